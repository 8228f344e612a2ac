package calling

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestReconcileOrCreateSingleCreation(t *testing.T) {
	r := NewRegistry()

	const workers = 64
	var built atomic.Int32
	results := make([]*Call, workers)
	createdFlags := make([]bool, workers)

	var start, wg sync.WaitGroup
	start.Add(1)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start.Wait()
			results[i], createdFlags[i] = r.ReconcileOrCreate("", "P1", "node-1", func() *Call {
				built.Add(1)
				c := newCall(nil, PhoneDevice{})
				c.id = "P1"
				return c
			})
		}(i)
	}
	start.Done()
	wg.Wait()

	if n := built.Load(); n != 1 {
		t.Fatalf("factory ran %d times, want 1", n)
	}
	created := 0
	for i, c := range results {
		if c != results[0] {
			t.Fatalf("worker %d got a different call instance", i)
		}
		if createdFlags[i] {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("created reported %d times, want 1", created)
	}
	if r.Len() != 1 {
		t.Fatalf("registry has %d entries, want 1", r.Len())
	}
}

func TestReconcileOrCreateCarriesTemporaryCall(t *testing.T) {
	r := NewRegistry()
	c := newCall(nil, PhoneDevice{ToNumber: "+15551230000"})
	c.temporaryID = "T1"
	c.direction = DirectionOutbound
	c.context = "office"
	r.Insert("T1", c)

	got, created := r.ReconcileOrCreate("T1", "P1", "node-9", func() *Call {
		t.Fatal("factory must not run for a carried call")
		return nil
	})
	if created {
		t.Fatal("carried call reported as created")
	}
	if got != c {
		t.Fatal("carried call is not the original instance")
	}
	if _, ok := r.Lookup("T1"); ok {
		t.Fatal("call still reachable under temporary key")
	}
	if got.ID() != "P1" || got.NodeID() != "node-9" {
		t.Fatalf("identity = %q/%q, want P1/node-9", got.ID(), got.NodeID())
	}
	if got.Direction() != DirectionOutbound || got.Context() != "office" || got.TemporaryID() != "T1" {
		t.Fatal("promotion lost previously set attributes")
	}
}

func TestReconcileOrCreateExistingPermanentWins(t *testing.T) {
	r := NewRegistry()
	existing := newCall(nil, PhoneDevice{})
	existing.id = "P1"
	r.Insert("P1", existing)
	stale := newCall(nil, PhoneDevice{})
	stale.temporaryID = "T1"
	r.Insert("T1", stale)

	got, created := r.ReconcileOrCreate("T1", "P1", "", func() *Call { return newCall(nil, PhoneDevice{}) })
	if created || got != existing {
		t.Fatalf("got (%p, %v), want existing call and created=false", got, created)
	}
	if r.Len() != 1 {
		t.Fatalf("registry has %d entries, want 1", r.Len())
	}
}

func TestPromotionNeverObservedMissing(t *testing.T) {
	for round := 0; round < 50; round++ {
		r := NewRegistry()
		c := newCall(nil, PhoneDevice{})
		c.temporaryID = "T1"
		r.Insert("T1", c)

		stop := make(chan struct{})
		var missing atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					// The temporary key is checked first: once it is gone the
					// permanent key must already resolve.
					if _, ok := r.Lookup("T1"); ok {
						continue
					}
					if got, ok := r.Lookup("P1"); !ok || got != c {
						missing.Add(1)
					}
				}
			}()
		}

		r.ReconcileOrCreate("T1", "P1", "", func() *Call { return newCall(nil, PhoneDevice{}) })
		close(stop)
		wg.Wait()
		if n := missing.Load(); n != 0 {
			t.Fatalf("round %d: call missing under both keys %d times", round, n)
		}
	}
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	r := NewRegistry()
	c := newCall(nil, PhoneDevice{})
	if !r.Insert("P1", c) {
		t.Fatal("insert failed")
	}
	if r.Insert("P1", newCall(nil, PhoneDevice{})) {
		t.Fatal("duplicate insert succeeded")
	}
	r.Remove("P1")
	r.Remove("P1")
	r.Remove("never-there")
	if _, ok := r.Lookup("P1"); ok {
		t.Fatal("call still present after remove")
	}
}

func TestRegistryRemoveCallOnlyRemovesItself(t *testing.T) {
	r := NewRegistry()
	a := newCall(nil, PhoneDevice{})
	a.id = "P1"
	b := newCall(nil, PhoneDevice{})
	b.id = "P1"
	r.Insert("P1", b)

	r.removeCall(a)
	if got, ok := r.Lookup("P1"); !ok || got != b {
		t.Fatal("removeCall dropped a different call under the same key")
	}
	r.removeCall(b)
	if r.Len() != 0 {
		t.Fatal("removeCall left the call behind")
	}
}

func TestRegistryReset(t *testing.T) {
	r := NewRegistry()
	r.Insert("a", newCall(nil, PhoneDevice{}))
	r.Insert("b", newCall(nil, PhoneDevice{}))
	if len(r.Calls()) != 2 {
		t.Fatalf("Calls() = %d entries, want 2", len(r.Calls()))
	}
	r.Reset()
	if r.Len() != 0 {
		t.Fatal("reset left entries behind")
	}
}
