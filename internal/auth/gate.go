// Package auth decides which records a principal may see or change and
// authenticates the bearer tokens presented by connections.
package auth

import (
	"fmt"

	"livesync/internal/catalog"
	"livesync/internal/domain"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Gate is consulted by the notifier and the command handlers. Implementations
// must be safe for concurrent use and must not block.
type Gate interface {
	CanQueryCollection(p domain.Principal, coll *catalog.Collection) bool
	CanQuery(p domain.Principal, coll *catalog.Collection, r domain.Record) bool
	CanMutate(p domain.Principal, coll *catalog.Collection, action Action, r domain.Record) bool
	// Project returns the client-visible form of r. The result may share
	// memory with r and must be treated as read-only.
	Project(p domain.Principal, coll *catalog.Collection, r domain.Record) domain.Record
}

// PolicyGate evaluates the per-collection catalog.Policy.
type PolicyGate struct{}

func NewPolicyGate() PolicyGate { return PolicyGate{} }

func (PolicyGate) admin(p domain.Principal, pol catalog.Policy) bool {
	return len(pol.AdminRoles) > 0 && p.HasAnyRole(pol.AdminRoles)
}

func (g PolicyGate) CanQueryCollection(p domain.Principal, coll *catalog.Collection) bool {
	pol := coll.Policy
	if g.admin(p, pol) {
		return true
	}
	return len(pol.QueryRoles) == 0 || p.HasAnyRole(pol.QueryRoles)
}

func (g PolicyGate) CanQuery(p domain.Principal, coll *catalog.Collection, r domain.Record) bool {
	if g.admin(p, coll.Policy) {
		return true
	}
	return g.CanQueryCollection(p, coll) && owns(p, coll.Policy, r)
}

func (g PolicyGate) CanMutate(p domain.Principal, coll *catalog.Collection, _ Action, r domain.Record) bool {
	pol := coll.Policy
	if g.admin(p, pol) {
		return true
	}
	if len(pol.MutateRoles) > 0 && !p.HasAnyRole(pol.MutateRoles) {
		return false
	}
	return owns(p, pol, r)
}

func (g PolicyGate) Project(p domain.Principal, coll *catalog.Collection, r domain.Record) domain.Record {
	pol := coll.Policy
	if len(pol.HiddenFields) == 0 || g.admin(p, pol) {
		return r
	}
	hidden := false
	for _, f := range pol.HiddenFields {
		if _, ok := r[f]; ok {
			hidden = true
			break
		}
	}
	if !hidden {
		return r
	}
	out := r.Clone()
	for _, f := range pol.HiddenFields {
		delete(out, f)
	}
	return out
}

// owns applies the owner field rule. Without an owner field every record passes.
func owns(p domain.Principal, pol catalog.Policy, r domain.Record) bool {
	if pol.OwnerField == "" {
		return true
	}
	if p.Anonymous || p.UserID == "" {
		return false
	}
	v, ok := r[pol.OwnerField]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s == p.UserID
	}
	return fmt.Sprint(v) == p.UserID
}

// AllowAll is a Gate that permits everything and projects nothing.
type AllowAll struct{}

func (AllowAll) CanQueryCollection(domain.Principal, *catalog.Collection) bool { return true }

func (AllowAll) CanQuery(domain.Principal, *catalog.Collection, domain.Record) bool { return true }

func (AllowAll) CanMutate(domain.Principal, *catalog.Collection, Action, domain.Record) bool {
	return true
}

func (AllowAll) Project(_ domain.Principal, _ *catalog.Collection, r domain.Record) domain.Record {
	return r
}
