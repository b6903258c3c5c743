// Package command executes client commands against the catalog, the store and
// the subscription registry. Transports decode frames into Command values and
// hand them to a Handler together with the issuing connection.
package command

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"livesync/internal/domain"
)

type Type string

const (
	TypeSubscribe        Type = "subscribe"
	TypeUnsubscribe      Type = "unsubscribe"
	TypeQuery            Type = "query"
	TypeCreate           Type = "create"
	TypeUpdate           Type = "update"
	TypeDelete           Type = "delete"
	TypeQueryConnections Type = "query_connections"
	TypePing             Type = "ping"
)

type Command struct {
	Type           Type            `json:"type" validate:"required,oneof=subscribe unsubscribe query create update delete query_connections ping"`
	ReferenceID    string          `json:"referenceId" validate:"required,max=128"`
	ContextName    string          `json:"contextName,omitempty" validate:"max=256"`
	CollectionName string          `json:"collectionName,omitempty" validate:"max=256"`
	Prefilters     json.RawMessage `json:"prefilters,omitempty"`
	Value          domain.Record   `json:"value,omitempty"`
	PrimaryValues  domain.Key      `json:"primaryValues,omitempty"`
}

// target is validated for commands that address a collection.
type target struct {
	ContextName    string `validate:"required"`
	CollectionName string `validate:"required"`
}

var validate = validator.New()

// ValidationError carries per-field messages for the validationResults of a response.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+strings.Join(e.Fields[f], ", "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string][]string{}
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.add(lowerFirst(fe.Field()), fmt.Sprintf("failed %s", fe.Tag()))
	}
	return out
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// Decode parses and validates one JSON command.
func Decode(raw []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return cmd, err
	}
	return cmd, nil
}

func (c Command) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fromValidator(err)
	}
	switch c.Type {
	case TypeSubscribe, TypeQuery, TypeCreate, TypeUpdate, TypeDelete:
		if err := validate.Struct(target{ContextName: c.ContextName, CollectionName: c.CollectionName}); err != nil {
			return fromValidator(err)
		}
	}
	return nil
}
