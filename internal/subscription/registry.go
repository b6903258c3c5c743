package subscription

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"livesync/internal/hashroute"
)

var (
	ErrUnknownConnection  = errors.New("unknown connection")
	ErrDuplicateReference = errors.New("reference id already subscribed")
)

type entry struct {
	conn Connection
	subs map[string]*Subscription
}

// Registry is safe for concurrent use. Groups returns copies so a notifier
// pass never holds the registry lock while delivering.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry
}

func NewRegistry() *Registry { return &Registry{conns: make(map[string]*entry)} }

func (r *Registry) Add(conn Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[conn.ID()]; ok {
		return fmt.Errorf("connection %s already registered", conn.ID())
	}
	r.conns[conn.ID()] = &entry{conn: conn, subs: make(map[string]*Subscription)}
	return nil
}

// Remove drops the connection and returns the subscriptions it held.
func (r *Registry) Remove(connID string) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return nil
	}
	delete(r.conns, connID)
	out := make([]*Subscription, 0, len(e.subs))
	for _, s := range e.subs {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Subscribe(connID string, sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	if _, dup := e.subs[sub.ReferenceID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, sub.ReferenceID)
	}
	e.subs[sub.ReferenceID] = sub
	return nil
}

func (r *Registry) Unsubscribe(connID, referenceID string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	s, ok := e.subs[referenceID]
	if ok {
		delete(e.subs, referenceID)
	}
	return s, ok
}

func (r *Registry) Connection(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Connections returns every open connection ordered by id.
func (r *Registry) Connections() []Connection {
	return r.filter(func(Connection) bool { return true })
}

// ConnectionsFor returns the connections authenticated as userID.
func (r *Registry) ConnectionsFor(userID string) []Connection {
	if userID == "" {
		return nil
	}
	return r.filter(func(c Connection) bool { return c.Principal().UserID == userID })
}

func (r *Registry) filter(keep func(Connection) bool) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connection, 0, len(r.conns))
	for _, e := range r.conns {
		if keep(e.conn) {
			out = append(out, e.conn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ConnectionGroup is the subscriptions of one connection on one collection.
type ConnectionGroup struct {
	Conn          Connection
	Subscriptions []*Subscription
}

type CollectionGroup struct {
	Collection  string
	Connections []ConnectionGroup
}

// Groups returns the live subscriptions of a context grouped by collection and
// then by connection. Names are matched case-insensitively.
func (r *Registry) Groups(contextName string) []CollectionGroup {
	want := hashroute.Canonicalize(contextName)
	byColl := map[string]*CollectionGroup{}

	r.mu.RLock()
	for _, e := range r.conns {
		perColl := map[string][]*Subscription{}
		for _, s := range e.subs {
			if hashroute.Canonicalize(s.Context) != want {
				continue
			}
			ck := hashroute.Canonicalize(s.Collection)
			perColl[ck] = append(perColl[ck], s)
		}
		for ck, subs := range perColl {
			sort.Slice(subs, func(i, j int) bool { return subs[i].ReferenceID < subs[j].ReferenceID })
			g, ok := byColl[ck]
			if !ok {
				g = &CollectionGroup{Collection: subs[0].Collection}
				byColl[ck] = g
			}
			g.Connections = append(g.Connections, ConnectionGroup{Conn: e.conn, Subscriptions: subs})
		}
	}
	r.mu.RUnlock()

	out := make([]CollectionGroup, 0, len(byColl))
	for _, g := range byColl {
		sort.Slice(g.Connections, func(i, j int) bool { return g.Connections[i].Conn.ID() < g.Connections[j].Conn.ID() })
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		return hashroute.Canonicalize(out[i].Collection) < hashroute.Canonicalize(out[j].Collection)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
