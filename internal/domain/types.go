package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Record is one client-visible document of a collection.
type Record map[string]any

// Clone returns a shallow copy so projections never alias the loaded set.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Key is an ordered primary key tuple. Two keys are equal when their IDs are equal.
type Key []any

// ID returns a canonical, type-tagged encoding of the tuple. Numeric components
// compare by value regardless of their Go type. Free-form components are
// length-prefixed so separator bytes inside them cannot collide.
func (k Key) ID() string {
	var b strings.Builder
	for i, c := range k {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		writeComponent(&b, c)
	}
	return b.String()
}

func (k Key) Equal(other Key) bool { return k.ID() == other.ID() }

func (k Key) String() string { return "[" + strings.ReplaceAll(k.ID(), "\x1f", ",") + "]" }

func writeComponent(b *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		b.WriteString("z")
	case string:
		writeSized(b, 's', x)
	case bool:
		b.WriteString("b:")
		b.WriteString(strconv.FormatBool(x))
	default:
		if f, ok := Number(v); ok {
			b.WriteString("n:")
			b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
			return
		}
		writeSized(b, 'x', fmt.Sprint(v))
	}
}

func writeSized(b *strings.Builder, tag byte, s string) {
	b.WriteByte(tag)
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}

// KeySet holds keys by ID. A subscription's snapshot is a KeySet.
type KeySet map[string]Key

func NewKeySet(keys ...Key) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k.ID()] = k
	}
	return s
}

func (s KeySet) Add(k Key) { s[k.ID()] = k }

func (s KeySet) Has(k Key) bool {
	_, ok := s[k.ID()]
	return ok
}

// Sorted returns the keys ordered by ID.
func (s KeySet) Sorted() []Key {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Key, len(ids))
	for i, id := range ids {
		out[i] = s[id]
	}
	return out
}

// Number reports the float64 value of any Go numeric type or json.Number.
func Number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

// IsScalar reports whether v can be a key component.
func IsScalar(v any) bool {
	switch v.(type) {
	case string, bool:
		return true
	}
	_, ok := Number(v)
	return ok
}

// Model describes the record type of one collection.
type Model struct {
	Name      string
	KeyFields []string
	// Fields lists the declared fields. Empty means any field is accepted.
	Fields []string
}

func (m Model) Key(r Record) (Key, error) {
	if len(m.KeyFields) == 0 {
		return nil, fmt.Errorf("model %s: no key fields declared", m.Name)
	}
	key := make(Key, 0, len(m.KeyFields))
	for _, f := range m.KeyFields {
		v, ok := r[f]
		if !ok || v == nil {
			return nil, fmt.Errorf("model %s: missing key field %q", m.Name, f)
		}
		if !IsScalar(v) {
			return nil, fmt.Errorf("model %s: key field %q is not scalar", m.Name, f)
		}
		key = append(key, v)
	}
	return key, nil
}

// KeyRecord builds a record holding only the key fields of the tuple.
func (m Model) KeyRecord(k Key) (Record, error) {
	if len(k) != len(m.KeyFields) {
		return nil, fmt.Errorf("model %s: key has %d components, want %d", m.Name, len(k), len(m.KeyFields))
	}
	r := make(Record, len(k))
	for i, f := range m.KeyFields {
		r[f] = k[i]
	}
	return r, nil
}

func (m Model) HasField(name string) bool {
	if len(m.Fields) == 0 {
		return true
	}
	for _, f := range m.Fields {
		if f == name {
			return true
		}
	}
	for _, f := range m.KeyFields {
		if f == name {
			return true
		}
	}
	return false
}

// ChangeKind is a bit flag so kinds can be combined into masks.
type ChangeKind int

const (
	Created ChangeKind = 1 << iota
	Updated
	Deleted
	AnyChange = Created | Updated | Deleted
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	}
	return fmt.Sprintf("change(%d)", int(k))
}

func ParseChangeKind(s string) (ChangeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "created", "create", "added", "insert":
		return Created, nil
	case "updated", "update", "modified":
		return Updated, nil
	case "deleted", "delete", "removed":
		return Deleted, nil
	}
	return 0, fmt.Errorf("unknown change kind %q", s)
}

// ChangeEvent is produced once per committed mutation.
type ChangeEvent struct {
	Collection string
	Key        Key
	Value      Record
	Kind       ChangeKind
}

type Principal struct {
	UserID    string
	Roles     []string
	Claims    map[string]any
	Anonymous bool
}

func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

func (p Principal) HasAnyRole(roles []string) bool {
	for _, r := range roles {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}

type ResponseKind string

const (
	ResponseLoad         ResponseKind = "load"
	ResponseUpdate       ResponseKind = "update"
	ResponseUnload       ResponseKind = "unload"
	ResponseQuery        ResponseKind = "query"
	ResponseError        ResponseKind = "error"
	ResponseSubscribe    ResponseKind = "subscribe"
	ResponseUnsubscribe  ResponseKind = "unsubscribe"
	ResponseCreateResult ResponseKind = "create_result"
	ResponseUpdateResult ResponseKind = "update_result"
	ResponseDeleteResult ResponseKind = "delete_result"
	ResponseConnections  ResponseKind = "connections"
	ResponsePong         ResponseKind = "pong"
)

// Response is every server to client message. ReferenceID correlates it with
// the command or subscription that caused it.
type Response struct {
	Kind              ResponseKind        `json:"type"`
	ReferenceID       string              `json:"referenceId,omitempty"`
	Value             Record              `json:"value,omitempty"`
	PrimaryValues     Key                 `json:"primaryValues,omitempty"`
	Result            any                 `json:"result,omitempty"`
	Error             *ErrorInfo          `json:"error,omitempty"`
	ValidationResults map[string][]string `json:"validationResults,omitempty"`
	Connections       []ConnectionInfo    `json:"connections,omitempty"`
}

type ErrorInfo struct {
	Message    string          `json:"message"`
	Collection string          `json:"collectionName,omitempty"`
	Prefilters json.RawMessage `json:"prefilters,omitempty"`
}

func ErrorResponse(referenceID string, err error) Response {
	return Response{Kind: ResponseError, ReferenceID: referenceID, Error: &ErrorInfo{Message: err.Error()}}
}

type ConnectionInfo struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId,omitempty"`
	Transport   string    `json:"transport"`
	RemoteAddr  string    `json:"remoteAddr,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}
