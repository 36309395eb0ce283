// Package render evaluates Liquid templates against fetched feed content:
// mail subjects and bodies, update-key expressions, and filter trees. Each
// feed group gets its own Renderer so bad templates and patterns surface when
// the group is processed, not per item.
package render

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/osteele/liquid"

	"github.com/ignite/yaf2m/internal/config"
	"github.com/ignite/yaf2m/internal/feed"
)

// Renderer holds the compiled templates, update-key expressions, and filter
// of one feed group. Safe for concurrent use once built.
type Renderer struct {
	engine   *liquid.Engine
	settings *config.Settings
	filter   *compiledFilter
	keys     []*Expr
	inline   map[string]*liquid.Template
}

// New compiles everything the group needs up front. Inline templates are
// parsed once here; file templates are re-read and parsed on each render so
// on-disk edits take effect immediately.
func New(group *config.FeedGroup) (*Renderer, error) {
	r := &Renderer{
		engine:   newEngine(),
		settings: &group.Settings,
		inline:   make(map[string]*liquid.Template, 4),
	}

	sources := map[string]config.TemplateSource{
		"item-subject":   group.Settings.ItemSubject,
		"digest-subject": group.Settings.DigestSubject,
		"item-body":      group.Settings.ItemBody,
		"digest-body":    group.Settings.DigestBody,
	}
	for name, src := range sources {
		if src.File != "" {
			continue
		}
		tpl, err := r.engine.ParseString(src.Inline)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", name, err)
		}
		r.inline[name] = tpl
	}

	r.keys = make([]*Expr, 0, len(group.Settings.UpdateKeys))
	for _, key := range group.Settings.UpdateKeys {
		expr, err := r.CompileExpr(key)
		if err != nil {
			return nil, fmt.Errorf("failed to compile update key %q: %w", key, err)
		}
		r.keys = append(r.keys, expr)
	}

	if group.Filter != nil {
		filter, err := r.compileFilter(group.Filter)
		if err != nil {
			return nil, fmt.Errorf("failed to compile filter: %w", err)
		}
		r.filter = filter
	}

	return r, nil
}

// newEngine returns a Liquid engine with the text-matching filters templates
// and expressions can use on feed content.
func newEngine() *liquid.Engine {
	engine := liquid.NewEngine()

	engine.RegisterFilter("matches", func(s, pattern string) (bool, error) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		return re.MatchString(s), nil
	})

	engine.RegisterFilter("capture", func(s, pattern string, group func(int) int) (string, error) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return "", fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		idx := group(0)
		m := re.FindStringSubmatch(s)
		if m == nil || idx < 0 || idx >= len(m) {
			return "", nil
		}
		return m[idx], nil
	})

	engine.RegisterFilter("regex_replace", func(s, pattern, repl string) (string, error) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return "", fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		return re.ReplaceAllString(s, repl), nil
	})

	return engine
}

// Expr is a compiled Liquid expression, evaluated by rendering it as an
// output tag.
type Expr struct {
	source string
	tpl    *liquid.Template
}

// CompileExpr compiles a bare Liquid expression such as "item.link" or
// "item.title | matches: 'rust'".
func (r *Renderer) CompileExpr(source string) (*Expr, error) {
	tpl, err := r.engine.ParseString("{{ " + source + " }}")
	if err != nil {
		return nil, err
	}
	return &Expr{source: source, tpl: tpl}, nil
}

// Eval renders the expression against the given bindings.
func (e *Expr) Eval(bindings map[string]interface{}) (string, error) {
	out, err := e.tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("failed to evaluate %q: %w", e.source, err)
	}
	return out, nil
}

// Truthy reports whether a rendered expression counts as true. Liquid output
// is always a string, so emptiness and the literal "false" are the falsy
// values.
func Truthy(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && s != "false"
}

// Match evaluates the group's filter against one item. Groups without a
// filter accept everything.
func (r *Renderer) Match(f *feed.Feed, item *feed.Item) (bool, error) {
	if r.filter == nil {
		return true, nil
	}
	return r.filter.match(r.itemBindings(f, item), item)
}

// UpdateHash digests the item's update-key values. Items whose keys render
// to the same values hash identically and are treated as already seen.
func (r *Renderer) UpdateHash(f *feed.Feed, item *feed.Item) (config.Hash, error) {
	bindings := r.itemBindings(f, item)
	hashes := make([]config.Hash, len(r.keys))
	for i, expr := range r.keys {
		out, err := expr.Eval(bindings)
		if err != nil {
			return config.ZeroHash, err
		}
		hashes[i] = config.HashString(out)
	}
	return config.CombineHashes(hashes...), nil
}

// RenderItem renders the subject and body of a per-item mail.
func (r *Renderer) RenderItem(f *feed.Feed, item *feed.Item) (subject, body string, err error) {
	bindings := r.itemBindings(f, item)
	if subject, err = r.render("item-subject", r.settings.ItemSubject, bindings); err != nil {
		return "", "", err
	}
	if body, err = r.render("item-body", r.settings.ItemBody, bindings); err != nil {
		return "", "", err
	}
	return subject, body, nil
}

// RenderDigest renders the subject and body of a digest mail covering all
// new items of the group's feeds.
func (r *Renderer) RenderDigest(feeds []*feed.Feed, items []*feed.Item) (subject, body string, err error) {
	bindings := r.digestBindings(feeds, items)
	if subject, err = r.render("digest-subject", r.settings.DigestSubject, bindings); err != nil {
		return "", "", err
	}
	if body, err = r.render("digest-body", r.settings.DigestBody, bindings); err != nil {
		return "", "", err
	}
	return subject, body, nil
}

func (r *Renderer) render(name string, src config.TemplateSource, bindings map[string]interface{}) (string, error) {
	tpl := r.inline[name]
	if tpl == nil {
		text, err := src.Load()
		if err != nil {
			return "", err
		}
		if tpl, err = r.engine.ParseString(text); err != nil {
			return "", fmt.Errorf("failed to parse %s template: %w", name, err)
		}
	}
	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("failed to render %s template: %w", name, err)
	}
	return out, nil
}

// Template args go in first so feed and item bindings always win.
func (r *Renderer) itemBindings(f *feed.Feed, item *feed.Item) map[string]interface{} {
	bindings := make(map[string]interface{}, len(r.settings.TemplateArgs)+2)
	for k, v := range r.settings.TemplateArgs {
		bindings[k] = v
	}
	bindings["feed"] = f.Bindings()
	bindings["item"] = item.Bindings()
	return bindings
}

func (r *Renderer) digestBindings(feeds []*feed.Feed, items []*feed.Item) map[string]interface{} {
	feedMaps := make([]map[string]interface{}, 0, len(feeds))
	for _, f := range feeds {
		feedMaps = append(feedMaps, f.Bindings())
	}
	itemMaps := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		itemMaps = append(itemMaps, item.Bindings())
	}
	bindings := make(map[string]interface{}, len(r.settings.TemplateArgs)+2)
	for k, v := range r.settings.TemplateArgs {
		bindings[k] = v
	}
	bindings["feeds"] = feedMaps
	bindings["items"] = itemMaps
	return bindings
}
