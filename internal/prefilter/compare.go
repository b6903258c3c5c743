package prefilter

import (
	"fmt"
	"strings"

	"livesync/internal/domain"
)

// compare orders two scalar values. ok is false when the values have no
// common ordering (different kinds, composites).
func compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return 0, true
		}
		return 0, false
	}
	if x, ok := domain.Number(a); ok {
		y, ok := domain.Number(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func rank(v any) int {
	if v == nil {
		return 0
	}
	if _, ok := domain.Number(v); ok {
		return 2
	}
	switch v.(type) {
	case bool:
		return 1
	case string:
		return 3
	}
	return 4
}

// order is a total order used for sorting: nil < bool < number < string < other.
func order(a, b any) int {
	if c, ok := compare(a, b); ok {
		return c
	}
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func equal(a, b any) bool {
	c, ok := compare(a, b)
	return ok && c == 0
}
