// Package config loads and validates the declarative feed configuration.
// A loaded Config is immutable; the worker swaps the whole thing on reload.
package config

import (
	"fmt"
	"net/mail"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied when neither the global settings block nor the feed entry
// sets a value.
const (
	DefaultUpdateKey        = "item.id"
	DefaultInterval         = time.Hour
	DefaultKeepOld          = 7 * 24 * time.Hour
	DefaultTimeout          = 30 * time.Second
	DefaultMaxMailsPerCheck = 5
)

// Config is the validated in-memory form of the configuration file.
type Config struct {
	ErrorReportTo []mail.Address
	Global        Settings
	Feeds         []*FeedGroup
}

// Settings is the fully resolved per-group settings block.
type Settings struct {
	To                 []mail.Address
	Cc                 []mail.Address
	Bcc                []mail.Address
	Digest             bool
	ItemSubject        TemplateSource
	DigestSubject      TemplateSource
	ItemBody           TemplateSource
	DigestBody         TemplateSource
	TemplateArgs       map[string]interface{}
	UpdateKeys         []string
	Interval           time.Duration
	KeepOld            time.Duration
	Timeout            time.Duration
	MaxMailsPerCheck   int
	Sanitize           bool
	SortByLastModified bool
	HTTPHeaders        map[string]string
}

// HasRecipients reports whether any of to/cc/bcc is set.
func (s *Settings) HasRecipients() bool {
	return len(s.To) > 0 || len(s.Cc) > 0 || len(s.Bcc) > 0
}

// FeedGroup is one user-defined unit of URLs plus shared settings and filter.
// Shared read-only by concurrent workers; discarded on reload.
type FeedGroup struct {
	URLs         []string
	URLsHash     Hash
	CriteriaHash Hash
	Filter       *Filter
	Settings     Settings
}

// TemplateSource is either an inline template string or a filesystem path.
type TemplateSource struct {
	Inline string
	File   string
}

// Load reads the template text. File sources are re-read on every call so
// edits on disk take effect without a config reload.
func (t TemplateSource) Load() (string, error) {
	if t.File == "" {
		return t.Inline, nil
	}
	data, err := os.ReadFile(t.File)
	if err != nil {
		return "", fmt.Errorf("failed to read template at %s: %w", t.File, err)
	}
	return string(data), nil
}

type rawSettings struct {
	To                 interface{}            `toml:"to"`
	Cc                 interface{}            `toml:"cc"`
	Bcc                interface{}            `toml:"bcc"`
	Digest             *bool                  `toml:"digest"`
	ItemSubject        interface{}            `toml:"item-subject"`
	DigestSubject      interface{}            `toml:"digest-subject"`
	ItemBody           interface{}            `toml:"item-body"`
	DigestBody         interface{}            `toml:"digest-body"`
	TemplateArgs       map[string]interface{} `toml:"template-args"`
	UpdateKeys         interface{}            `toml:"update-keys"`
	UpdateKey          interface{}            `toml:"update-key"`
	Interval           string                 `toml:"interval"`
	KeepOld            string                 `toml:"keep-old"`
	Timeout            string                 `toml:"timeout"`
	MaxMailsPerCheck   *int                   `toml:"max-mails-per-check"`
	Sanitize           *bool                  `toml:"sanitize"`
	SortByLastModified *bool                  `toml:"sort-by-last-modified"`
	HTTPHeaders        map[string]string      `toml:"http-headers"`
}

type rawFeed struct {
	URLs   interface{} `toml:"urls"`
	URL    interface{} `toml:"url"`
	Filter interface{} `toml:"filter"`
	rawSettings
}

type rawConfig struct {
	ErrorReportTo interface{} `toml:"error-report-to"`
	Settings      rawSettings `toml:"settings"`
	Feeds         []rawFeed   `toml:"feeds"`
}

// Load reads, parses, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	var raw rawConfig
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file at %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	var reportTo []mail.Address
	if raw.ErrorReportTo != nil {
		if reportTo, err = parseMailboxes(raw.ErrorReportTo, "error-report-to"); err != nil {
			return nil, err
		}
	}

	global, err := raw.Settings.apply(defaultSettings())
	if err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	feeds := make([]*FeedGroup, 0, len(raw.Feeds))
	seen := make(map[Hash][]string, len(raw.Feeds))
	for i, rf := range raw.Feeds {
		group, err := rf.resolve(global)
		if err != nil {
			return nil, fmt.Errorf("invalid feed entry %d: %w", i, err)
		}
		if prev, dup := seen[group.URLsHash]; dup {
			return nil, fmt.Errorf("duplicate feed URLs in config file: %v", prev)
		}
		seen[group.URLsHash] = group.URLs
		feeds = append(feeds, group)
	}

	return &Config{
		ErrorReportTo: reportTo,
		Global:        global,
		Feeds:         feeds,
	}, nil
}

func defaultSettings() Settings {
	return Settings{
		ItemSubject:      TemplateSource{Inline: DefaultItemSubject},
		DigestSubject:    TemplateSource{Inline: DefaultDigestSubject},
		ItemBody:         TemplateSource{Inline: DefaultItemBody},
		DigestBody:       TemplateSource{Inline: DefaultDigestBody},
		TemplateArgs:     map[string]interface{}{},
		UpdateKeys:       []string{DefaultUpdateKey},
		Interval:         DefaultInterval,
		KeepOld:          DefaultKeepOld,
		Timeout:          DefaultTimeout,
		MaxMailsPerCheck: DefaultMaxMailsPerCheck,
		Sanitize:         true,
	}
}

// apply layers the raw settings over base, returning the resolved block.
func (r *rawSettings) apply(base Settings) (Settings, error) {
	out := base

	var err error
	if r.To != nil {
		if out.To, err = parseMailboxes(r.To, "to"); err != nil {
			return out, err
		}
	}
	if r.Cc != nil {
		if out.Cc, err = parseMailboxes(r.Cc, "cc"); err != nil {
			return out, err
		}
	}
	if r.Bcc != nil {
		if out.Bcc, err = parseMailboxes(r.Bcc, "bcc"); err != nil {
			return out, err
		}
	}
	if r.Digest != nil {
		out.Digest = *r.Digest
	}
	if r.ItemSubject != nil {
		if out.ItemSubject, err = parseTemplateSource(r.ItemSubject, "item-subject"); err != nil {
			return out, err
		}
	}
	if r.DigestSubject != nil {
		if out.DigestSubject, err = parseTemplateSource(r.DigestSubject, "digest-subject"); err != nil {
			return out, err
		}
	}
	if r.ItemBody != nil {
		if out.ItemBody, err = parseTemplateSource(r.ItemBody, "item-body"); err != nil {
			return out, err
		}
	}
	if r.DigestBody != nil {
		if out.DigestBody, err = parseTemplateSource(r.DigestBody, "digest-body"); err != nil {
			return out, err
		}
	}
	if r.TemplateArgs != nil {
		merged := make(map[string]interface{}, len(base.TemplateArgs)+len(r.TemplateArgs))
		for k, v := range base.TemplateArgs {
			merged[k] = v
		}
		for k, v := range r.TemplateArgs {
			merged[k] = v
		}
		out.TemplateArgs = merged
	}
	keys := r.UpdateKeys
	if keys == nil {
		keys = r.UpdateKey
	}
	if keys != nil {
		if out.UpdateKeys, err = parseStringList(keys, "update-keys"); err != nil {
			return out, err
		}
	}
	if r.Interval != "" {
		if out.Interval, err = ParseHumanDuration(r.Interval); err != nil {
			return out, fmt.Errorf("invalid interval: %w", err)
		}
	}
	if r.KeepOld != "" {
		if out.KeepOld, err = ParseHumanDuration(r.KeepOld); err != nil {
			return out, fmt.Errorf("invalid keep-old: %w", err)
		}
	}
	if r.Timeout != "" {
		if out.Timeout, err = ParseHumanDuration(r.Timeout); err != nil {
			return out, fmt.Errorf("invalid timeout: %w", err)
		}
	}
	if r.MaxMailsPerCheck != nil {
		out.MaxMailsPerCheck = *r.MaxMailsPerCheck
	}
	if r.Sanitize != nil {
		out.Sanitize = *r.Sanitize
	}
	if r.SortByLastModified != nil {
		out.SortByLastModified = *r.SortByLastModified
	}
	if r.HTTPHeaders != nil {
		out.HTTPHeaders = r.HTTPHeaders
	}

	return out, nil
}

func (r *rawFeed) resolve(global Settings) (*FeedGroup, error) {
	rawURLs := r.URLs
	if rawURLs == nil {
		rawURLs = r.URL
	}
	if rawURLs == nil {
		return nil, fmt.Errorf("missing urls")
	}
	urls, err := parseStringList(rawURLs, "urls")
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("urls must not be empty")
	}

	settings, err := r.rawSettings.apply(global)
	if err != nil {
		return nil, err
	}

	var filter *Filter
	if r.Filter != nil {
		if filter, err = ParseFilter(r.Filter); err != nil {
			return nil, fmt.Errorf("invalid filter: %w", err)
		}
	}

	urlsHash := hashURLs(urls)
	return &FeedGroup{
		URLs:         urls,
		URLsHash:     urlsHash,
		CriteriaHash: hashCriteria(urlsHash, settings.UpdateKeys, filter),
		Filter:       filter,
		Settings:     settings,
	}, nil
}

// parseStringList accepts a single string or an array of strings.
func parseStringList(v interface{}, key string) ([]string, error) {
	switch val := v.(type) {
	case string:
		return []string{val}, nil
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s must contain strings, got %T", key, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a string or array of strings, got %T", key, v)
	}
}

func parseMailboxes(v interface{}, key string) ([]mail.Address, error) {
	raw, err := parseStringList(v, key)
	if err != nil {
		return nil, err
	}
	out := make([]mail.Address, 0, len(raw))
	for _, s := range raw {
		addr, err := mail.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("invalid mailbox %q in %s: %w", s, key, err)
		}
		out = append(out, *addr)
	}
	return out, nil
}

// parseTemplateSource accepts an inline string or a {file = "path"} table.
func parseTemplateSource(v interface{}, key string) (TemplateSource, error) {
	switch val := v.(type) {
	case string:
		return TemplateSource{Inline: val}, nil
	case map[string]interface{}:
		file, ok := val["file"]
		if !ok || len(val) != 1 {
			return TemplateSource{}, fmt.Errorf("%s table must have exactly one key, %q", key, "file")
		}
		path, ok := file.(string)
		if !ok {
			return TemplateSource{}, fmt.Errorf("%s file must be a string, got %T", key, file)
		}
		return TemplateSource{File: path}, nil
	default:
		return TemplateSource{}, fmt.Errorf("%s must be a string or {file = path}, got %T", key, v)
	}
}

var durationToken = regexp.MustCompile(`^(\d+(?:\.\d+)?)(ms|s|m|h|d|w)`)

// ParseHumanDuration parses durations like "30s", "90m", "7d", "2w", "1d12h".
// Day and week units extend the time.ParseDuration grammar.
func ParseHumanDuration(s string) (time.Duration, error) {
	input := strings.TrimSpace(s)
	if input == "" {
		return 0, fmt.Errorf("empty duration")
	}
	var total time.Duration
	rest := input
	for rest != "" {
		m := durationToken.FindStringSubmatch(rest)
		if m == nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		var unit time.Duration
		switch m[2] {
		case "ms":
			unit = time.Millisecond
		case "s":
			unit = time.Second
		case "m":
			unit = time.Minute
		case "h":
			unit = time.Hour
		case "d":
			unit = 24 * time.Hour
		case "w":
			unit = 7 * 24 * time.Hour
		}
		total += time.Duration(n * float64(unit))
		rest = strings.TrimSpace(rest[len(m[0]):])
	}
	return total, nil
}
