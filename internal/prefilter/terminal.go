package prefilter

import (
	"fmt"

	json "github.com/goccy/go-json"

	"livesync/internal/domain"
)

type Count struct{}

func (Count) Initialize(domain.Model) error { return nil }

func (Count) Execute(records []domain.Record) (any, error) { return len(records), nil }

// Select reduces every record to the listed properties.
type Select struct {
	Properties []string
}

func (s *Select) Initialize(model domain.Model) error {
	if len(s.Properties) == 0 {
		return fmt.Errorf("select needs at least one property")
	}
	for _, p := range s.Properties {
		if !model.HasField(p) {
			return fmt.Errorf("unknown field %q on %s", p, model.Name)
		}
	}
	return nil
}

func (s *Select) Execute(records []domain.Record) (any, error) {
	out := make([]domain.Record, 0, len(records))
	for _, r := range records {
		sel := make(domain.Record, len(s.Properties))
		for _, p := range s.Properties {
			if v, ok := r[p]; ok {
				sel[p] = v
			}
		}
		out = append(out, sel)
	}
	return out, nil
}

// First yields the first record, or nil for an empty result.
type First struct{}

func (First) Initialize(domain.Model) error { return nil }

func (First) Execute(records []domain.Record) (any, error) {
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

type Last struct{}

func (Last) Initialize(domain.Model) error { return nil }

func (Last) Execute(records []domain.Record) (any, error) {
	if len(records) == 0 {
		return nil, nil
	}
	return records[len(records)-1], nil
}

func init() {
	RegisterTerminal("count", func(json.RawMessage) (Terminal, error) { return Count{}, nil })
	RegisterTerminal("first", func(json.RawMessage) (Terminal, error) { return First{}, nil })
	RegisterTerminal("last", func(json.RawMessage) (Terminal, error) { return Last{}, nil })
	RegisterTerminal("select", func(raw json.RawMessage) (Terminal, error) {
		var spec struct {
			Properties []string `json:"properties"`
		}
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, err
		}
		return &Select{Properties: spec.Properties}, nil
	})
}
