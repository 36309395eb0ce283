package config

import (
	"crypto/sha256"
	"fmt"
)

// FilterKind tags a node of the filter tree.
type FilterKind int

const (
	FilterAnd FilterKind = iota
	FilterOr
	FilterNot
	FilterTitleRegex
	FilterBodyRegex
	FilterRegex
	FilterExpr
)

// Filter is one node of a user-supplied filter tree. Regex patterns and
// expressions are kept as source here; compilation happens per group in the
// render package so bad patterns fail at group startup, not per item.
type Filter struct {
	Kind     FilterKind
	Children []*Filter // And, Or
	Child    *Filter   // Not
	Pattern  string    // TitleRegex, BodyRegex, Regex
	Expr     string    // FilterExpr
}

// digestLabel returns the label mixed into the node's digest. Labeling each
// variant keeps structurally distinct trees from colliding.
func (k FilterKind) digestLabel() string {
	switch k {
	case FilterAnd:
		return "And"
	case FilterOr:
		return "Or"
	case FilterNot:
		return "Not"
	case FilterTitleRegex:
		return "TitleRegex"
	case FilterBodyRegex:
		return "BodyRegex"
	case FilterRegex:
		return "Regex"
	case FilterExpr:
		return "JinjaExpr"
	}
	return "?"
}

func (f *Filter) digest() Hash {
	h := sha256.New()
	h.Write([]byte(f.Kind.digestLabel()))
	switch f.Kind {
	case FilterAnd, FilterOr:
		for _, child := range f.Children {
			d := child.digest()
			h.Write(d[:])
		}
	case FilterNot:
		d := f.Child.digest()
		h.Write(d[:])
	case FilterTitleRegex, FilterBodyRegex, FilterRegex:
		d := HashString(f.Pattern)
		h.Write(d[:])
	case FilterExpr:
		d := HashString(f.Expr)
		h.Write(d[:])
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

// ParseFilter decodes one filter table from its raw TOML form. Exactly one of
// the recognized keys must be present.
func ParseFilter(v interface{}) (*Filter, error) {
	f := &Filter{}
	if err := f.unmarshal(v); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Filter) unmarshal(v interface{}) error {
	table, ok := v.(map[string]interface{})
	if !ok {
		return fmt.Errorf("filter must be a table, got %T", v)
	}
	if len(table) != 1 {
		return fmt.Errorf("filter must have exactly one key, got %d", len(table))
	}
	for key, val := range table {
		switch key {
		case "and", "all":
			f.Kind = FilterAnd
			return f.decodeChildren(key, val)
		case "or", "any":
			f.Kind = FilterOr
			return f.decodeChildren(key, val)
		case "not":
			f.Kind = FilterNot
			child := &Filter{}
			if err := child.unmarshal(val); err != nil {
				return fmt.Errorf("in %q: %w", key, err)
			}
			f.Child = child
			return nil
		case "title-regex":
			f.Kind = FilterTitleRegex
			return f.decodePattern(key, val, &f.Pattern)
		case "body-regex":
			f.Kind = FilterBodyRegex
			return f.decodePattern(key, val, &f.Pattern)
		case "regex":
			f.Kind = FilterRegex
			return f.decodePattern(key, val, &f.Pattern)
		case "jinja-expr":
			f.Kind = FilterExpr
			return f.decodePattern(key, val, &f.Expr)
		default:
			return fmt.Errorf("unknown filter key %q", key)
		}
	}
	return nil
}

func (f *Filter) decodeChildren(key string, val interface{}) error {
	list, ok := val.([]interface{})
	if !ok {
		return fmt.Errorf("filter %q must be an array of filters, got %T", key, val)
	}
	f.Children = make([]*Filter, 0, len(list))
	for i, raw := range list {
		child := &Filter{}
		if err := child.unmarshal(raw); err != nil {
			return fmt.Errorf("in %q[%d]: %w", key, i, err)
		}
		f.Children = append(f.Children, child)
	}
	return nil
}

func (f *Filter) decodePattern(key string, val interface{}, dst *string) error {
	s, ok := val.(string)
	if !ok {
		return fmt.Errorf("filter %q must be a string, got %T", key, val)
	}
	*dst = s
	return nil
}
