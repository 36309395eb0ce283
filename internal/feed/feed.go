// Package feed fetches and parses syndication feeds (RSS/Atom/JSON Feed) and
// exposes them as small render-ready contexts. Items carry a cloned subset of
// the parsed entry rather than a view into it, so they can cross goroutine
// boundaries freely.
package feed

import "time"

// Feed is the parsed feed document, stripped down to the fields templates
// and filters consume.
type Feed struct {
	ID          string
	Title       string
	Description string
	Link        string
	Published   *time.Time
	Updated     *time.Time
	Items       []*Item
}

// Item is one feed entry.
type Item struct {
	ID         string
	Title      string
	Summary    string
	Content    string
	Link       string
	Author     string
	Categories []string
	Published  *time.Time
	Updated    *time.Time
}

// LastModified returns the item's updated time, falling back to published.
func (i *Item) LastModified() *time.Time {
	if i.Updated != nil {
		return i.Updated
	}
	return i.Published
}

// Bindings returns the template bindings for the feed (without items).
func (f *Feed) Bindings() map[string]interface{} {
	return map[string]interface{}{
		"id":          f.ID,
		"title":       f.Title,
		"description": f.Description,
		"link":        f.Link,
		"published":   timeValue(f.Published),
		"updated":     timeValue(f.Updated),
	}
}

// Bindings returns the template bindings for the item.
func (i *Item) Bindings() map[string]interface{} {
	return map[string]interface{}{
		"id":         i.ID,
		"title":      i.Title,
		"summary":    i.Summary,
		"content":    i.Content,
		"link":       i.Link,
		"author":     i.Author,
		"categories": i.Categories,
		"published":  timeValue(i.Published),
		"updated":    timeValue(i.Updated),
	}
}

func timeValue(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
