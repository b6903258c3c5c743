// Package prefilter implements the composable filter stages of a subscription.
//
// A pipeline is an ordered list of transform stages applied lazily to the
// candidate records of a collection, plus at most one terminal stage. A
// terminal stage replaces incremental diffing: it runs over the authorized,
// projected survivors and its output is delivered as one complete result.
//
// Stages are decoded from JSON specs of the form {"type": "where", ...} and
// resolved at compile time into one of the two variants, so callers never
// inspect stage types at runtime.
package prefilter

import (
	"errors"
	"fmt"
	"iter"
	"sync"

	json "github.com/goccy/go-json"

	"livesync/internal/domain"
)

var (
	ErrMultipleTerminals = errors.New("prefilter: at most one terminal stage is allowed")
	ErrUnknownStage      = errors.New("prefilter: unknown stage type")
)

// Seq is a lazy record sequence. A non-nil error ends the sequence.
type Seq = iter.Seq2[domain.Record, error]

type Stage interface {
	// Initialize binds the stage to the collection's record type. It is called
	// once, when the pipeline is compiled.
	Initialize(model domain.Model) error
}

// Transform maps a candidate sequence to a filtered sequence. Execute must not
// keep state across calls.
type Transform interface {
	Stage
	Execute(in Seq) Seq
}

// Terminal turns the final, authorized and projected records into one result.
type Terminal interface {
	Stage
	Execute(records []domain.Record) (any, error)
}

type (
	TransformFactory func(raw json.RawMessage) (Transform, error)
	TerminalFactory  func(raw json.RawMessage) (Terminal, error)
)

type factory struct {
	transform TransformFactory
	terminal  TerminalFactory
}

var (
	registryMu sync.RWMutex
	registry   = map[string]factory{}
)

// RegisterTransform makes a transform stage available under name. It panics
// when the name is already taken.
func RegisterTransform(name string, f TransformFactory) {
	register(name, factory{transform: f})
}

// RegisterTerminal makes a terminal stage available under name. It panics
// when the name is already taken.
func RegisterTerminal(name string, f TerminalFactory) {
	register(name, factory{terminal: f})
}

func register(name string, f factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("prefilter: stage registered twice: " + name)
	}
	registry[name] = f
}

func lookup(name string) (factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Spec is the wire form of one stage.
type Spec struct {
	Type string
	Raw  json.RawMessage
}

func (s *Spec) UnmarshalJSON(b []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return fmt.Errorf("decode prefilter: %w", err)
	}
	if head.Type == "" {
		return fmt.Errorf("decode prefilter: type is required")
	}
	s.Type = head.Type
	s.Raw = append(json.RawMessage(nil), b...)
	return nil
}

func (s Spec) MarshalJSON() ([]byte, error) {
	if len(s.Raw) > 0 {
		return s.Raw, nil
	}
	return json.Marshal(map[string]string{"type": s.Type})
}

type Pipeline struct {
	transforms []Transform
	terminal   Terminal
	specs      []Spec
}

// Parse decodes a JSON array of stage specs and compiles it.
func Parse(model domain.Model, raw json.RawMessage) (*Pipeline, error) {
	var specs []Spec
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &specs); err != nil {
			return nil, fmt.Errorf("decode prefilters: %w", err)
		}
	}
	return Compile(model, specs)
}

func Compile(model domain.Model, specs []Spec) (*Pipeline, error) {
	p := &Pipeline{specs: specs}
	for i, spec := range specs {
		if spec.Type == thenOrderByType {
			if err := p.thenOrderBy(spec); err != nil {
				return nil, fmt.Errorf("prefilter %d: %w", i, err)
			}
			continue
		}
		f, ok := lookup(spec.Type)
		if !ok {
			return nil, fmt.Errorf("prefilter %d: %w %q", i, ErrUnknownStage, spec.Type)
		}
		switch {
		case f.terminal != nil:
			if p.terminal != nil {
				return nil, ErrMultipleTerminals
			}
			t, err := f.terminal(spec.Raw)
			if err != nil {
				return nil, fmt.Errorf("prefilter %d (%s): %w", i, spec.Type, err)
			}
			if err := t.Initialize(model); err != nil {
				return nil, fmt.Errorf("prefilter %d (%s): %w", i, spec.Type, err)
			}
			p.terminal = t
		default:
			t, err := f.transform(spec.Raw)
			if err != nil {
				return nil, fmt.Errorf("prefilter %d (%s): %w", i, spec.Type, err)
			}
			if err := t.Initialize(model); err != nil {
				return nil, fmt.Errorf("prefilter %d (%s): %w", i, spec.Type, err)
			}
			p.transforms = append(p.transforms, t)
		}
	}
	return p, nil
}

// New builds a pipeline from already initialized stages.
func New(terminal Terminal, transforms ...Transform) *Pipeline {
	return &Pipeline{transforms: transforms, terminal: terminal}
}

func (p *Pipeline) thenOrderBy(spec Spec) error {
	if len(p.transforms) == 0 {
		return fmt.Errorf("thenOrderBy must follow orderBy")
	}
	prev, ok := p.transforms[len(p.transforms)-1].(*OrderBy)
	if !ok {
		return fmt.Errorf("thenOrderBy must follow orderBy")
	}
	return prev.then(spec.Raw)
}

// Run applies the transform stages left to right.
func (p *Pipeline) Run(in Seq) Seq {
	out := in
	for _, t := range p.transforms {
		out = t.Execute(out)
	}
	return out
}

func (p *Pipeline) Terminal() (Terminal, bool) { return p.terminal, p.terminal != nil }

func (p *Pipeline) Specs() []Spec { return p.specs }

// SpecsJSON returns the original stage configuration, echoed in error responses.
func (p *Pipeline) SpecsJSON() json.RawMessage {
	if len(p.specs) == 0 {
		return nil
	}
	b, err := json.Marshal(p.specs)
	if err != nil {
		return nil
	}
	return b
}

func FromSlice(records []domain.Record) Seq {
	return func(yield func(domain.Record, error) bool) {
		for _, r := range records {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func Collect(seq Seq) ([]domain.Record, error) {
	var out []domain.Record
	for r, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
