package feed

import "github.com/microcosm-cc/bluemonday"

// Titles are stripped to plain text; summaries and bodies keep the safe HTML
// subset (plus inline style, which feed content uses heavily).
var (
	strictPolicy = bluemonday.StrictPolicy()
	bodyPolicy   = newBodyPolicy()
)

func newBodyPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("style").Globally()
	return p
}

func sanitizeFeed(f *Feed) {
	f.Title = strictPolicy.Sanitize(f.Title)
	f.Description = bodyPolicy.Sanitize(f.Description)
	for _, item := range f.Items {
		item.Title = strictPolicy.Sanitize(item.Title)
		item.Summary = bodyPolicy.Sanitize(item.Summary)
		item.Content = bodyPolicy.Sanitize(item.Content)
	}
}
