package render

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ignite/yaf2m/internal/config"
	"github.com/ignite/yaf2m/internal/feed"
)

func testSettings() config.Settings {
	return config.Settings{
		ItemSubject:      config.TemplateSource{Inline: config.DefaultItemSubject},
		DigestSubject:    config.TemplateSource{Inline: config.DefaultDigestSubject},
		ItemBody:         config.TemplateSource{Inline: config.DefaultItemBody},
		DigestBody:       config.TemplateSource{Inline: config.DefaultDigestBody},
		TemplateArgs:     map[string]interface{}{},
		UpdateKeys:       []string{config.DefaultUpdateKey},
		Interval:         config.DefaultInterval,
		KeepOld:          config.DefaultKeepOld,
		Timeout:          config.DefaultTimeout,
		MaxMailsPerCheck: config.DefaultMaxMailsPerCheck,
		Sanitize:         true,
	}
}

func testGroup(t *testing.T, filter *config.Filter, mod func(*config.Settings)) *config.FeedGroup {
	t.Helper()
	settings := testSettings()
	if mod != nil {
		mod(&settings)
	}
	return &config.FeedGroup{
		URLs:     []string{"https://example.com/feed.xml"},
		Filter:   filter,
		Settings: settings,
	}
}

func testFeed() *feed.Feed {
	return &feed.Feed{
		ID:    "https://example.com/feed.xml",
		Title: "Example Feed",
		Link:  "https://example.com",
	}
}

func testItem() *feed.Item {
	return &feed.Item{
		ID:      "item-1",
		Title:   "Go 1.25 released",
		Summary: "The latest release of Go.",
		Content: "<p>Lots of fixes.</p>",
		Link:    "https://example.com/go-1-25",
		Author:  "core team",
	}
}

func mustRenderer(t *testing.T, group *config.FeedGroup) *Renderer {
	t.Helper()
	r, err := New(group)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r
}

func TestMatchWithoutFilter(t *testing.T) {
	r := mustRenderer(t, testGroup(t, nil, nil))
	ok, err := r.Match(testFeed(), testItem())
	if err != nil || !ok {
		t.Fatalf("Match = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestFilterAlgebra(t *testing.T) {
	titleGo := &config.Filter{Kind: config.FilterTitleRegex, Pattern: `(?i)\bgo\b`}
	bodyFix := &config.Filter{Kind: config.FilterBodyRegex, Pattern: "fixes"}
	noMatch := &config.Filter{Kind: config.FilterRegex, Pattern: "zzz-never"}

	cases := []struct {
		name   string
		filter *config.Filter
		want   bool
	}{
		{"empty and is true", &config.Filter{Kind: config.FilterAnd}, true},
		{"empty or is false", &config.Filter{Kind: config.FilterOr}, false},
		{"and of matches", &config.Filter{Kind: config.FilterAnd, Children: []*config.Filter{titleGo, bodyFix}}, true},
		{"and short-circuits", &config.Filter{Kind: config.FilterAnd, Children: []*config.Filter{noMatch, titleGo}}, false},
		{"or picks any", &config.Filter{Kind: config.FilterOr, Children: []*config.Filter{noMatch, bodyFix}}, true},
		{"not inverts", &config.Filter{Kind: config.FilterNot, Child: noMatch}, true},
		{"body regex sees content", bodyFix, true},
		{"regex sees title", &config.Filter{Kind: config.FilterRegex, Pattern: "released"}, true},
		{"expr truthy", &config.Filter{Kind: config.FilterExpr, Expr: `item.author == "core team"`}, true},
		{"expr falsy", &config.Filter{Kind: config.FilterExpr, Expr: `item.author == "nobody"`}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := mustRenderer(t, testGroup(t, tc.filter, nil))
			got, err := r.Match(testFeed(), testItem())
			if err != nil {
				t.Fatalf("Match failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("Match = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTitleRegexRequiresTitle(t *testing.T) {
	// ".*" matches the empty string, but an untitled item must not pass a
	// title filter.
	filter := &config.Filter{Kind: config.FilterTitleRegex, Pattern: ".*"}
	r := mustRenderer(t, testGroup(t, filter, nil))

	item := testItem()
	item.Title = ""
	ok, err := r.Match(testFeed(), item)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if ok {
		t.Error("title filter must reject items without a title")
	}
}

func TestBodyFiltersSkipAbsentFields(t *testing.T) {
	bare := &feed.Item{ID: "bare", Title: "", Summary: "", Content: ""}

	for _, kind := range []config.FilterKind{config.FilterBodyRegex, config.FilterRegex} {
		filter := &config.Filter{Kind: kind, Pattern: ".*"}
		r := mustRenderer(t, testGroup(t, filter, nil))
		ok, err := r.Match(testFeed(), bare)
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		if ok {
			t.Errorf("kind %d: empty-matching pattern must not pass an item with no text", kind)
		}
	}

	// A present field still matches as usual.
	withSummary := &feed.Item{ID: "s", Summary: "something"}
	r := mustRenderer(t, testGroup(t, &config.Filter{Kind: config.FilterBodyRegex, Pattern: ".*"}, nil))
	ok, err := r.Match(testFeed(), withSummary)
	if err != nil || !ok {
		t.Errorf("Match = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestFilterCompileErrors(t *testing.T) {
	bad := &config.Filter{Kind: config.FilterRegex, Pattern: "(unclosed"}
	if _, err := New(testGroup(t, bad, nil)); err == nil {
		t.Error("invalid filter pattern should fail at group setup")
	}
}

func TestUpdateHash(t *testing.T) {
	r := mustRenderer(t, testGroup(t, nil, func(s *config.Settings) {
		s.UpdateKeys = []string{"item.id", "item.title"}
	}))

	item := testItem()
	got, err := r.UpdateHash(testFeed(), item)
	if err != nil {
		t.Fatalf("UpdateHash failed: %v", err)
	}
	want := config.CombineHashes(
		config.HashString(item.ID),
		config.HashString(item.Title),
	)
	if got != want {
		t.Errorf("UpdateHash = %s, want %s", got, want)
	}

	changed := testItem()
	changed.Title = "Go 1.26 released"
	other, err := r.UpdateHash(testFeed(), changed)
	if err != nil {
		t.Fatalf("UpdateHash failed: %v", err)
	}
	if other == got {
		t.Error("changing a key value must change the update hash")
	}
}

func TestRenderItemDefaults(t *testing.T) {
	r := mustRenderer(t, testGroup(t, nil, nil))

	subject, body, err := r.RenderItem(testFeed(), testItem())
	if err != nil {
		t.Fatalf("RenderItem failed: %v", err)
	}
	if subject != "Go 1.25 released" {
		t.Errorf("subject = %q", subject)
	}
	if !strings.Contains(body, `href="https://example.com/go-1-25"`) {
		t.Errorf("body missing item link:\n%s", body)
	}
	if !strings.Contains(body, "<p>Lots of fixes.</p>") {
		t.Errorf("body should prefer content over summary:\n%s", body)
	}

	// An untitled item falls back to its id in the subject.
	untitled := testItem()
	untitled.Title = ""
	subject, _, err = r.RenderItem(testFeed(), untitled)
	if err != nil {
		t.Fatalf("RenderItem failed: %v", err)
	}
	if subject != "item-1" {
		t.Errorf("subject = %q, want item id fallback", subject)
	}
}

func TestRenderDigestDefaults(t *testing.T) {
	r := mustRenderer(t, testGroup(t, nil, nil))

	one := testItem()
	two := testItem()
	two.ID = "item-2"
	two.Title = "Another post"

	subject, body, err := r.RenderDigest([]*feed.Feed{testFeed()}, []*feed.Item{one, two})
	if err != nil {
		t.Fatalf("RenderDigest failed: %v", err)
	}
	if subject != "2 new items: Example Feed" {
		t.Errorf("subject = %q", subject)
	}
	if !strings.Contains(body, "Go 1.25 released") || !strings.Contains(body, "Another post") {
		t.Errorf("digest body missing items:\n%s", body)
	}

	subject, _, err = r.RenderDigest([]*feed.Feed{testFeed()}, []*feed.Item{one})
	if err != nil {
		t.Fatalf("RenderDigest failed: %v", err)
	}
	if subject != "1 new item: Example Feed" {
		t.Errorf("singular subject = %q", subject)
	}
}

func TestTemplateArgs(t *testing.T) {
	r := mustRenderer(t, testGroup(t, nil, func(s *config.Settings) {
		s.ItemSubject = config.TemplateSource{Inline: "[{{ tag }}] {{ item.title }}"}
		s.TemplateArgs = map[string]interface{}{
			"tag": "news",
			// Reserved bindings always win over template args.
			"item": "shadowed",
		}
	}))

	subject, _, err := r.RenderItem(testFeed(), testItem())
	if err != nil {
		t.Fatalf("RenderItem failed: %v", err)
	}
	if subject != "[news] Go 1.25 released" {
		t.Errorf("subject = %q", subject)
	}
}

func TestCustomLiquidFilters(t *testing.T) {
	cases := []struct {
		name     string
		template string
		want     string
	}{
		{"matches", `{{ item.title | matches: "released" }}`, "true"},
		{"matches negative", `{{ item.title | matches: "zzz" }}`, "false"},
		{"capture whole", `{{ item.title | capture: "1[.][0-9]+" }}`, "1.25"},
		{"capture group", `{{ item.title | capture: "Go ([0-9.]+)", 1 }}`, "1.25"},
		{"capture no match", `{{ item.title | capture: "zzz([0-9]+)", 1 }}`, ""},
		{"regex_replace", `{{ item.title | regex_replace: "[0-9.]+", "next" }}`, "Go next released"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := mustRenderer(t, testGroup(t, nil, func(s *config.Settings) {
				s.ItemSubject = config.TemplateSource{Inline: tc.template}
			}))
			subject, _, err := r.RenderItem(testFeed(), testItem())
			if err != nil {
				t.Fatalf("RenderItem failed: %v", err)
			}
			if subject != tc.want {
				t.Errorf("render = %q, want %q", subject, tc.want)
			}
		})
	}
}

func TestFileTemplateRereadOnRender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subject.liquid")
	if err := os.WriteFile(path, []byte("v1 {{ item.id }}"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := mustRenderer(t, testGroup(t, nil, func(s *config.Settings) {
		s.ItemSubject = config.TemplateSource{File: path}
	}))

	subject, _, err := r.RenderItem(testFeed(), testItem())
	if err != nil {
		t.Fatalf("RenderItem failed: %v", err)
	}
	if subject != "v1 item-1" {
		t.Errorf("subject = %q", subject)
	}

	if err := os.WriteFile(path, []byte("v2 {{ item.id }}"), 0o644); err != nil {
		t.Fatal(err)
	}
	subject, _, err = r.RenderItem(testFeed(), testItem())
	if err != nil {
		t.Fatalf("RenderItem failed: %v", err)
	}
	if subject != "v2 item-1" {
		t.Errorf("file edit not picked up, subject = %q", subject)
	}
}

func TestBadTemplateFailsAtSetup(t *testing.T) {
	_, err := New(testGroup(t, nil, func(s *config.Settings) {
		s.ItemBody = config.TemplateSource{Inline: "{% for x in %}"}
	}))
	if err == nil {
		t.Error("invalid inline template should fail at group setup")
	}
}

func TestTruthy(t *testing.T) {
	cases := map[string]bool{
		"":        false,
		"  ":      false,
		"false":   false,
		" false ": false,
		"true":    true,
		"0":       true,
		"text":    true,
	}
	for in, want := range cases {
		if got := Truthy(in); got != want {
			t.Errorf("Truthy(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestItemBindingsTime(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	item := testItem()
	item.Published = &now

	r := mustRenderer(t, testGroup(t, nil, func(s *config.Settings) {
		s.ItemSubject = config.TemplateSource{Inline: `{{ item.published | date: "%Y-%m-%d" }}`}
	}))
	subject, _, err := r.RenderItem(testFeed(), item)
	if err != nil {
		t.Fatalf("RenderItem failed: %v", err)
	}
	if subject != "2025-03-01" {
		t.Errorf("subject = %q", subject)
	}
}
