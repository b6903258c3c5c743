package prefilter

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"livesync/internal/domain"
)

type expr interface {
	eval(r domain.Record) bool
	fields(dst []string) []string
}

type leaf struct {
	field string
	op    string
	value any
}

type group struct {
	or       bool
	children []expr
}

var operators = map[string]func(field, value any) bool{
	"==":         equal,
	"!=":         notEqual,
	"<":          cmpOp(func(c int) bool { return c < 0 }),
	"<=":         cmpOp(func(c int) bool { return c <= 0 }),
	">":          cmpOp(func(c int) bool { return c > 0 }),
	">=":         cmpOp(func(c int) bool { return c >= 0 }),
	"contains":   contains,
	"startsWith": strOp(strings.HasPrefix),
	"endsWith":   strOp(strings.HasSuffix),
	"in":         inList,
}

func notEqual(a, b any) bool {
	c, ok := compare(a, b)
	return ok && c != 0
}

func cmpOp(pred func(int) bool) func(a, b any) bool {
	return func(a, b any) bool {
		c, ok := compare(a, b)
		return ok && pred(c)
	}
}

func strOp(pred func(s, sub string) bool) func(a, b any) bool {
	return func(a, b any) bool {
		s, ok1 := a.(string)
		sub, ok2 := b.(string)
		return ok1 && ok2 && pred(s, sub)
	}
}

func contains(field, value any) bool {
	switch x := field.(type) {
	case string:
		sub, ok := value.(string)
		return ok && strings.Contains(x, sub)
	case []any:
		for _, el := range x {
			if equal(el, value) {
				return true
			}
		}
	}
	return false
}

func inList(field, value any) bool {
	list, ok := value.([]any)
	if !ok {
		return false
	}
	for _, el := range list {
		if equal(field, el) {
			return true
		}
	}
	return false
}

func (l leaf) eval(r domain.Record) bool {
	return operators[l.op](r[l.field], l.value)
}

func (l leaf) fields(dst []string) []string { return append(dst, l.field) }

func (g group) eval(r domain.Record) bool {
	for _, c := range g.children {
		if c.eval(r) == g.or {
			return g.or
		}
	}
	return !g.or
}

func (g group) fields(dst []string) []string {
	for _, c := range g.children {
		dst = c.fields(dst)
	}
	return dst
}

// parseExpr reads a condition tree. A leaf is ["field", "op", value]; a group is
// a list of expressions joined by "and" or "or". Adjacent expressions without a
// connective are joined with "and". One group cannot mix connectives; nest
// instead.
func parseExpr(node any) (expr, error) {
	list, ok := node.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("condition must be a non-empty array, got %v", node)
	}
	if l, ok, err := parseLeaf(list); ok || err != nil {
		return l, err
	}
	g := group{}
	conj := ""
	for _, item := range list {
		if s, ok := item.(string); ok {
			c := strings.ToLower(s)
			if c != "and" && c != "or" {
				return nil, fmt.Errorf("unknown connective %q", s)
			}
			if conj != "" && conj != c {
				return nil, fmt.Errorf("cannot mix and/or in one group")
			}
			conj = c
			continue
		}
		child, err := parseExpr(item)
		if err != nil {
			return nil, err
		}
		g.children = append(g.children, child)
	}
	if len(g.children) == 0 {
		return nil, fmt.Errorf("condition group has no expressions")
	}
	g.or = conj == "or"
	return g, nil
}

func parseLeaf(list []any) (expr, bool, error) {
	if len(list) != 3 {
		return nil, false, nil
	}
	field, ok1 := list[0].(string)
	op, ok2 := list[1].(string)
	if !ok1 || !ok2 {
		return nil, false, nil
	}
	if _, known := operators[op]; !known {
		return nil, true, fmt.Errorf("unknown operator %q", op)
	}
	if op == "in" {
		if _, ok := list[2].([]any); !ok {
			return nil, true, fmt.Errorf("operator in needs an array value")
		}
	}
	return leaf{field: field, op: op, value: list[2]}, true, nil
}

// Where keeps the records matching a condition tree.
type Where struct {
	cond expr
}

func NewWhere(conditions any) (*Where, error) {
	e, err := parseExpr(conditions)
	if err != nil {
		return nil, err
	}
	return &Where{cond: e}, nil
}

func (w *Where) Initialize(model domain.Model) error {
	for _, f := range w.cond.fields(nil) {
		if !model.HasField(f) {
			return fmt.Errorf("unknown field %q on %s", f, model.Name)
		}
	}
	return nil
}

func (w *Where) Execute(in Seq) Seq {
	return func(yield func(domain.Record, error) bool) {
		for r, err := range in {
			if err != nil {
				yield(nil, err)
				return
			}
			if !w.cond.eval(r) {
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func init() {
	RegisterTransform("where", func(raw json.RawMessage) (Transform, error) {
		var spec struct {
			Conditions any `json:"conditions"`
		}
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, err
		}
		return NewWhere(spec.Conditions)
	})
}
