package render

import (
	"fmt"
	"regexp"

	"github.com/ignite/yaf2m/internal/config"
	"github.com/ignite/yaf2m/internal/feed"
)

// compiledFilter mirrors the config filter tree with patterns and
// expressions compiled.
type compiledFilter struct {
	kind     config.FilterKind
	children []*compiledFilter
	child    *compiledFilter
	re       *regexp.Regexp
	expr     *Expr
}

func (r *Renderer) compileFilter(f *config.Filter) (*compiledFilter, error) {
	cf := &compiledFilter{kind: f.Kind}
	switch f.Kind {
	case config.FilterAnd, config.FilterOr:
		cf.children = make([]*compiledFilter, 0, len(f.Children))
		for _, child := range f.Children {
			cc, err := r.compileFilter(child)
			if err != nil {
				return nil, err
			}
			cf.children = append(cf.children, cc)
		}
	case config.FilterNot:
		cc, err := r.compileFilter(f.Child)
		if err != nil {
			return nil, err
		}
		cf.child = cc
	case config.FilterTitleRegex, config.FilterBodyRegex, config.FilterRegex:
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid filter pattern %q: %w", f.Pattern, err)
		}
		cf.re = re
	case config.FilterExpr:
		expr, err := r.CompileExpr(f.Expr)
		if err != nil {
			return nil, err
		}
		cf.expr = expr
	}
	return cf, nil
}

// match evaluates the node against one item. And over no children is true,
// Or over no children is false; both short-circuit.
func (cf *compiledFilter) match(bindings map[string]interface{}, item *feed.Item) (bool, error) {
	switch cf.kind {
	case config.FilterAnd:
		for _, child := range cf.children {
			ok, err := child.match(bindings, item)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case config.FilterOr:
		for _, child := range cf.children {
			ok, err := child.match(bindings, item)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	case config.FilterNot:
		ok, err := cf.child.match(bindings, item)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case config.FilterTitleRegex:
		return item.Title != "" && cf.re.MatchString(item.Title), nil
	case config.FilterBodyRegex:
		// Absent fields are never tested, so empty-matching patterns
		// cannot pass an item with no body.
		return (item.Summary != "" && cf.re.MatchString(item.Summary)) ||
			(item.Content != "" && cf.re.MatchString(item.Content)), nil
	case config.FilterRegex:
		return (item.Title != "" && cf.re.MatchString(item.Title)) ||
			(item.Summary != "" && cf.re.MatchString(item.Summary)) ||
			(item.Content != "" && cf.re.MatchString(item.Content)), nil
	case config.FilterExpr:
		out, err := cf.expr.Eval(bindings)
		if err != nil {
			return false, err
		}
		return Truthy(out), nil
	}
	return false, fmt.Errorf("unknown filter kind %d", cf.kind)
}
