package diff

import (
	"math/rand"
	"reflect"
	"testing"
	"testing/quick"

	"livesync/internal/domain"
)

var model = domain.Model{Name: "orders", KeyFields: []string{"id"}}

func rec(id float64, fields ...any) domain.Record {
	r := domain.Record{"id": id}
	for i := 0; i+1 < len(fields); i += 2 {
		r[fields[i].(string)] = fields[i+1]
	}
	return r
}

func changes(events ...domain.ChangeEvent) (map[string]struct{}, map[string]domain.ChangeEvent) {
	changed := map[string]struct{}{}
	authorized := map[string]domain.ChangeEvent{}
	for _, e := range events {
		changed[e.Key.ID()] = struct{}{}
		authorized[e.Key.ID()] = e
	}
	return changed, authorized
}

func kinds(res Result) []string {
	out := make([]string, 0, len(res.Events))
	for _, e := range res.Events {
		out = append(out, string(e.Kind)+e.Key.String())
	}
	return out
}

func TestInitialPassLoadsEverything(t *testing.T) {
	res, err := Compute(Input{Candidates: []domain.Record{rec(1), rec(2)}, Prior: domain.KeySet{}, Key: model.Key})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := kinds(res), []string{"load[n:1]", "load[n:2]"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if len(res.Next) != 2 {
		t.Fatalf("snapshot must hold both keys, got %v", res.Next)
	}
}

func TestUpdateOnlyForChangedHeldKey(t *testing.T) {
	changed, authorized := changes(domain.ChangeEvent{Collection: "orders", Key: domain.Key{1.0}, Value: rec(1, "total", 5.0), Kind: domain.Updated})
	res, err := Compute(Input{
		Candidates: []domain.Record{rec(1, "total", 5.0), rec(2)},
		Prior:      domain.NewKeySet(domain.Key{1.0}, domain.Key{2.0}),
		Changed:    changed, Authorized: authorized, Key: model.Key,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := kinds(res), []string{"update[n:1]"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if res.Events[0].Value["total"] != 5.0 {
		t.Fatalf("update must carry the new value, got %v", res.Events[0].Value)
	}
	if len(res.Next) != 2 {
		t.Fatalf("snapshot must be unchanged as a set")
	}
}

func TestRecordLeavingFilterIsUnloaded(t *testing.T) {
	res, err := Compute(Input{
		Candidates: []domain.Record{rec(1)},
		Prior:      domain.NewKeySet(domain.Key{1.0}, domain.Key{2.0}),
		Key:        model.Key,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := kinds(res), []string{"unload[n:2]"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if res.Events[0].Value != nil {
		t.Fatalf("unload carries no payload")
	}
	if !res.Next.Has(domain.Key{1.0}) || res.Next.Has(domain.Key{2.0}) {
		t.Fatalf("unexpected snapshot %v", res.Next)
	}
}

func TestDeniedChangeOfHeldKeyIsUnload(t *testing.T) {
	res, err := Compute(Input{
		Candidates: []domain.Record{rec(1), rec(2)},
		Prior:      domain.NewKeySet(domain.Key{1.0}, domain.Key{2.0}),
		Changed:    map[string]struct{}{domain.Key{2.0}.ID(): {}},
		Authorized: map[string]domain.ChangeEvent{},
		Key:        model.Key,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := kinds(res), []string{"unload[n:2]"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestNewlyVisibleChangedKeyIsLoad(t *testing.T) {
	changed, authorized := changes(domain.ChangeEvent{Key: domain.Key{3.0}, Value: rec(3), Kind: domain.Created})
	res, err := Compute(Input{
		Candidates: []domain.Record{rec(3)},
		Prior:      domain.KeySet{},
		Changed:    changed, Authorized: authorized, Key: model.Key,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := kinds(res), []string{"load[n:3]"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestAuthorizedChangeStillChecksCommittedRecord(t *testing.T) {
	mine := func(r domain.Record) bool { return r["owner"] == "alice" }
	cases := []struct {
		name  string
		prior domain.KeySet
		ev    domain.ChangeEvent
	}{
		{"stale value of new key", domain.KeySet{}, domain.ChangeEvent{Key: domain.Key{1.0}, Value: rec(1, "owner", "alice"), Kind: domain.Updated}},
		{"held key deleted then recreated", domain.NewKeySet(domain.Key{1.0}), domain.ChangeEvent{Key: domain.Key{1.0}, Kind: domain.Deleted}},
	}
	for _, tc := range cases {
		changed, authorized := changes(tc.ev)
		res, err := Compute(Input{
			Candidates: []domain.Record{rec(1, "owner", "bob", "secret", "x")},
			Prior:      tc.prior,
			Changed:    changed, Authorized: authorized, Key: model.Key,
			CanQuery: mine,
		})
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range res.Events {
			if e.Value != nil {
				t.Fatalf("%s: record of another owner delivered: %+v", tc.name, e)
			}
		}
		if res.Next.Has(domain.Key{1.0}) {
			t.Fatalf("%s: snapshot must not hold the key", tc.name)
		}
	}
}

func TestUpdateCarriesCommittedRecordNotChangeValue(t *testing.T) {
	changed, authorized := changes(domain.ChangeEvent{Key: domain.Key{1.0}, Value: rec(1, "total", 1.0), Kind: domain.Updated})
	res, err := Compute(Input{
		Candidates: []domain.Record{rec(1, "total", 7.0)},
		Prior:      domain.NewKeySet(domain.Key{1.0}),
		Changed:    changed, Authorized: authorized, Key: model.Key,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 1 || res.Events[0].Kind != domain.ResponseUpdate || res.Events[0].Value["total"] != 7.0 {
		t.Fatalf("expected update with the committed total, got %+v", res.Events)
	}
}

func TestUnchangedRecordsNeedQueryAuthorization(t *testing.T) {
	res, err := Compute(Input{
		Candidates: []domain.Record{rec(1, "owner", "alice"), rec(2, "owner", "bob")},
		Prior:      domain.KeySet{},
		Key:        model.Key,
		CanQuery:   func(r domain.Record) bool { return r["owner"] == "alice" },
		Project: func(r domain.Record) domain.Record {
			out := r.Clone()
			delete(out, "owner")
			return out
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := kinds(res), []string{"load[n:1]"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if _, leaked := res.Events[0].Value["owner"]; leaked {
		t.Fatalf("load must carry the projection")
	}
}

func TestDeleteOfUnseenKeyEmitsNothing(t *testing.T) {
	changed, authorized := changes(domain.ChangeEvent{Key: domain.Key{9.0}, Kind: domain.Deleted})
	res, err := Compute(Input{
		Candidates: []domain.Record{rec(1)},
		Prior:      domain.NewKeySet(domain.Key{1.0}),
		Changed:    changed, Authorized: authorized, Key: model.Key,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 0 {
		t.Fatalf("expected no events, got %v", kinds(res))
	}
}

func TestKeyErrorFailsThePass(t *testing.T) {
	if _, err := Compute(Input{Candidates: []domain.Record{{"name": "x"}}, Prior: domain.KeySet{}, Key: model.Key}); err == nil {
		t.Fatalf("expected key extraction error")
	}
}

// world is a random pass: a prior snapshot, candidate ids and changed ids.
type world struct {
	Prior, Candidates, Changed, Denied []uint8
}

func (world) Generate(r *rand.Rand, _ int) reflect.Value {
	pick := func() []uint8 {
		out := []uint8{}
		for i := uint8(0); i < 12; i++ {
			if r.Intn(2) == 0 {
				out = append(out, i)
			}
		}
		return out
	}
	return reflect.ValueOf(world{Prior: pick(), Candidates: pick(), Changed: pick(), Denied: pick()})
}

func (w world) input() Input {
	in := Input{Prior: domain.KeySet{}, Changed: map[string]struct{}{}, Authorized: map[string]domain.ChangeEvent{}, Key: model.Key}
	for _, id := range w.Prior {
		in.Prior.Add(domain.Key{float64(id)})
	}
	for _, id := range w.Candidates {
		in.Candidates = append(in.Candidates, rec(float64(id)))
	}
	denied := map[uint8]bool{}
	for _, id := range w.Denied {
		denied[id] = true
	}
	for _, id := range w.Changed {
		k := domain.Key{float64(id)}
		in.Changed[k.ID()] = struct{}{}
		if !denied[id] {
			in.Authorized[k.ID()] = domain.ChangeEvent{Key: k, Value: rec(float64(id)), Kind: domain.Updated}
		}
	}
	in.CanQuery = func(r domain.Record) bool { return !denied[uint8(r["id"].(float64))] }
	return in
}

func TestPropertyLoadUpdateExclusiveAndUnloadComplete(t *testing.T) {
	f := func(w world) bool {
		in := w.input()
		res, err := Compute(in)
		if err != nil {
			return false
		}
		seen := map[string]domain.ResponseKind{}
		for _, e := range res.Events {
			if _, dup := seen[e.Key.ID()]; dup {
				return false
			}
			seen[e.Key.ID()] = e.Kind
			switch e.Kind {
			case domain.ResponseLoad:
				if in.Prior.Has(e.Key) || !res.Next.Has(e.Key) {
					return false
				}
			case domain.ResponseUpdate:
				if !in.Prior.Has(e.Key) || !res.Next.Has(e.Key) {
					return false
				}
			case domain.ResponseUnload:
				if !in.Prior.Has(e.Key) || res.Next.Has(e.Key) || e.Value != nil {
					return false
				}
			}
		}
		for id := range in.Prior {
			if _, kept := res.Next[id]; !kept && seen[id] != domain.ResponseUnload {
				return false
			}
		}
		return true
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 500}); err != nil {
		t.Fatal(err)
	}
}

func TestPropertySnapshotMatchesVisibleCandidates(t *testing.T) {
	f := func(w world) bool {
		in := w.input()
		res, err := Compute(in)
		if err != nil {
			return false
		}
		want := domain.KeySet{}
		for _, r := range in.Candidates {
			k, _ := model.Key(r)
			id := k.ID()
			_, changed := in.Changed[id]
			_, authorized := in.Authorized[id]
			switch {
			case changed:
				if authorized && in.CanQuery(r) {
					want.Add(k)
				}
			case in.Prior.Has(k):
				want.Add(k)
			case in.CanQuery(r):
				want.Add(k)
			}
		}
		return reflect.DeepEqual(keysOf(want), keysOf(res.Next))
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 500}); err != nil {
		t.Fatal(err)
	}
}

func keysOf(s domain.KeySet) []string {
	out := []string{}
	for _, k := range s.Sorted() {
		out = append(out, k.ID())
	}
	return out
}
