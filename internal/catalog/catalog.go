// Package catalog is the startup-time registry of data contexts and their
// collections. Every name is canonicalized on registration so lookups are
// case-insensitive on both the context and the collection component.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"

	"livesync/internal/domain"
	"livesync/internal/hashroute"
)

var (
	ErrUnknownContext    = errors.New("unknown context")
	ErrUnknownCollection = errors.New("unknown collection")
)

// Policy drives the default authorization gate for one collection.
type Policy struct {
	// QueryRoles restricts reads to principals holding one of the roles. Empty allows every principal.
	QueryRoles  []string
	MutateRoles []string
	// OwnerField, when set, limits row visibility to records whose field equals the principal's user id.
	OwnerField   string
	HiddenFields []string
	AdminRoles   []string
}

type LoadFunc func(ctx context.Context) iter.Seq2[domain.Record, error]

// Source produces the committed state of a collection.
type Source interface {
	Load(ctx context.Context, contextName, collection string) iter.Seq2[domain.Record, error]
}

type Collection struct {
	Context string
	Name    string
	Model   domain.Model
	Policy  Policy
	Load    LoadFunc
}

func (c *Collection) Key(r domain.Record) (domain.Key, error) { return c.Model.Key(r) }

type contextEntry struct {
	name        string
	collections map[string]*Collection
}

type Catalog struct {
	mu         sync.RWMutex
	contexts   map[string]*contextEntry
	identities map[string]string
}

func New() *Catalog {
	return &Catalog{contexts: make(map[string]*contextEntry), identities: make(map[string]string)}
}

// Register adds a collection to a context, creating the context on first use.
func (c *Catalog) Register(contextName string, coll *Collection) error {
	if hashroute.Canonicalize(contextName) == "" {
		return fmt.Errorf("context name is required")
	}
	if coll == nil || hashroute.Canonicalize(coll.Name) == "" {
		return fmt.Errorf("collection name is required")
	}
	if len(coll.Model.KeyFields) == 0 {
		return fmt.Errorf("collection %s.%s: key fields are required", contextName, coll.Name)
	}
	if coll.Model.Name == "" {
		coll.Model.Name = coll.Name
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ck := hashroute.Canonicalize(contextName)
	entry, ok := c.contexts[ck]
	if !ok {
		entry = &contextEntry{name: contextName, collections: make(map[string]*Collection)}
		c.contexts[ck] = entry
		c.identities[ck] = ck
	}
	coll.Context = entry.name
	nk := hashroute.Canonicalize(coll.Name)
	if _, exists := entry.collections[nk]; exists {
		return fmt.Errorf("collection %s.%s already registered", entry.name, coll.Name)
	}
	entry.collections[nk] = coll
	return nil
}

// Alias maps an additional identity (for example a store identifier) onto a
// registered context.
func (c *Catalog) Alias(identity, contextName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ck := hashroute.Canonicalize(contextName)
	if _, ok := c.contexts[ck]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContext, contextName)
	}
	c.identities[hashroute.Canonicalize(identity)] = ck
	return nil
}

// Resolve returns the logical context name for an identity.
func (c *Catalog) Resolve(identity string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ck, ok := c.identities[hashroute.Canonicalize(identity)]
	if !ok {
		return "", false
	}
	return c.contexts[ck].name, true
}

func (c *Catalog) Collection(contextName, collection string) (*Collection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.contexts[hashroute.Canonicalize(contextName)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContext, contextName)
	}
	coll, ok := entry.collections[hashroute.Canonicalize(collection)]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownCollection, entry.name, collection)
	}
	return coll, nil
}

func (c *Catalog) Collections(contextName string) []*Collection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.contexts[hashroute.Canonicalize(contextName)]
	if !ok {
		return nil
	}
	out := make([]*Collection, 0, len(entry.collections))
	for _, coll := range entry.collections {
		out = append(out, coll)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Catalog) Contexts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.contexts))
	for _, entry := range c.contexts {
		out = append(out, entry.name)
	}
	sort.Strings(out)
	return out
}

// Bind wires every collection without a loader to src.
func (c *Catalog) Bind(src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.contexts {
		for _, coll := range entry.collections {
			if coll.Load != nil {
				continue
			}
			ctxName, name := entry.name, coll.Name
			coll.Load = func(ctx context.Context) iter.Seq2[domain.Record, error] {
				return src.Load(ctx, ctxName, name)
			}
		}
	}
}
