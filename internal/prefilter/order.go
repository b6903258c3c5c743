package prefilter

import (
	"fmt"
	"slices"

	json "github.com/goccy/go-json"

	"livesync/internal/domain"
)

const thenOrderByType = "thenOrderBy"

type sortKey struct {
	Property   string `json:"property"`
	Descending bool   `json:"descending"`
}

// OrderBy sorts the sequence. Follow-up keys come from thenOrderBy specs.
// Sorting is stable so records with equal keys keep their input order.
type OrderBy struct {
	keys []sortKey
}

func NewOrderBy(property string, descending bool) *OrderBy {
	return &OrderBy{keys: []sortKey{{Property: property, Descending: descending}}}
}

// ThenBy adds a secondary key.
func (o *OrderBy) ThenBy(property string, descending bool) *OrderBy {
	o.keys = append(o.keys, sortKey{Property: property, Descending: descending})
	return o
}

func (o *OrderBy) then(raw json.RawMessage) error {
	k, err := decodeSortKey(raw)
	if err != nil {
		return err
	}
	o.keys = append(o.keys, k)
	return nil
}

func decodeSortKey(raw json.RawMessage) (sortKey, error) {
	var k sortKey
	if err := json.Unmarshal(raw, &k); err != nil {
		return k, err
	}
	if k.Property == "" {
		return k, fmt.Errorf("property is required")
	}
	return k, nil
}

func (o *OrderBy) Initialize(model domain.Model) error {
	for _, k := range o.keys {
		if !model.HasField(k.Property) {
			return fmt.Errorf("unknown field %q on %s", k.Property, model.Name)
		}
	}
	return nil
}

func (o *OrderBy) Execute(in Seq) Seq {
	return func(yield func(domain.Record, error) bool) {
		records, err := Collect(in)
		if err != nil {
			yield(nil, err)
			return
		}
		sorted := slices.Clone(records)
		slices.SortStableFunc(sorted, func(a, b domain.Record) int {
			for _, k := range o.keys {
				c := order(a[k.Property], b[k.Property])
				if k.Descending {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
		for _, r := range sorted {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Skip drops the first N records.
type Skip struct{ N int }

func (s *Skip) Initialize(domain.Model) error {
	if s.N < 0 {
		return fmt.Errorf("skip count must not be negative")
	}
	return nil
}

func (s *Skip) Execute(in Seq) Seq {
	return func(yield func(domain.Record, error) bool) {
		seen := 0
		for r, err := range in {
			if err != nil {
				yield(nil, err)
				return
			}
			if seen < s.N {
				seen++
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Take keeps at most the first N records.
type Take struct{ N int }

func (t *Take) Initialize(domain.Model) error {
	if t.N < 0 {
		return fmt.Errorf("take count must not be negative")
	}
	return nil
}

func (t *Take) Execute(in Seq) Seq {
	return func(yield func(domain.Record, error) bool) {
		if t.N == 0 {
			return
		}
		n := 0
		for r, err := range in {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(r, nil) {
				return
			}
			if n++; n >= t.N {
				return
			}
		}
	}
}

type countSpec struct {
	Number int `json:"number"`
}

func init() {
	RegisterTransform("orderBy", func(raw json.RawMessage) (Transform, error) {
		k, err := decodeSortKey(raw)
		if err != nil {
			return nil, err
		}
		return &OrderBy{keys: []sortKey{k}}, nil
	})
	RegisterTransform("skip", func(raw json.RawMessage) (Transform, error) {
		var spec countSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, err
		}
		return &Skip{N: spec.Number}, nil
	})
	RegisterTransform("take", func(raw json.RawMessage) (Transform, error) {
		var spec countSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, err
		}
		return &Take{N: spec.Number}, nil
	})
}
