package relay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/aeolun/chatrelay/pkg/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	alice = auth.Identity{UserID: "1", Username: "alice"}
	bob   = auth.Identity{UserID: "2", Username: "bob"}
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	a1 := boundConn(1, alice, 4)
	a2 := boundConn(2, alice, 4)
	b := boundConn(3, bob, 4)

	r.Register(&alice, a1)
	r.Register(&alice, a2)
	r.Register(&bob, b)

	assert.ElementsMatch(t, []*Conn{a1, a2}, r.Lookup("1"))
	assert.ElementsMatch(t, []*Conn{b}, r.Lookup("2"))
	assert.Empty(t, r.Lookup("3"))
	assert.Equal(t, []auth.Identity{alice, bob}, r.Snapshot())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 2, r.OnlineCount())
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	a1 := boundConn(1, alice, 4)
	a2 := boundConn(2, alice, 4)
	r.Register(&alice, a1)
	r.Register(&alice, a2)

	assert.True(t, r.Unregister(a1))
	assert.Equal(t, []auth.Identity{alice}, r.Snapshot(), "identity stays online while a connection remains")

	assert.True(t, r.Unregister(a2))
	assert.Empty(t, r.Snapshot())
	assert.Empty(t, r.Lookup("1"))

	assert.False(t, r.Unregister(a2), "second unregister is a no-op")
	assert.False(t, r.Unregister(boundConn(9, bob, 4)), "unknown connection is ignored")
}

func TestRegistryAnonymous(t *testing.T) {
	r := NewRegistry()
	anon := anonymousConn(1, 4)
	r.Register(nil, anon)

	assert.Empty(t, r.Snapshot())
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []*Conn{anon}, r.Connections())

	assert.True(t, r.Unregister(anon))
	assert.Zero(t, r.Len())
}

func TestRegistryReRegisterMoves(t *testing.T) {
	r := NewRegistry()
	c := boundConn(1, alice, 4)
	r.Register(nil, c)
	r.Register(&alice, c)

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []*Conn{c}, r.Lookup("1"))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := auth.Identity{UserID: fmt.Sprintf("%d", i%5), Username: "u"}
			c := boundConn(uint64(i), id, 4)
			r.Register(&id, c)
			_ = r.Lookup(id.UserID)
			_ = r.Snapshot()
			r.Unregister(c)
		}(i)
	}
	wg.Wait()

	require.Zero(t, r.Len())
	require.Empty(t, r.Snapshot())
}

// TestRegistryModel checks the registry against a simple model across random
// register and unregister sequences.
func TestRegistryModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRegistry()
		identities := []auth.Identity{alice, bob, {UserID: "3", Username: "carol"}}

		// model: conn -> identity index, -1 for anonymous
		model := map[*Conn]int{}
		var all []*Conn
		nextID := uint64(0)

		t.Repeat(map[string]func(*rapid.T){
			"register": func(t *rapid.T) {
				nextID++
				idx := rapid.IntRange(-1, len(identities)-1).Draw(t, "identity")
				var c *Conn
				if idx < 0 {
					c = anonymousConn(nextID, 1)
					r.Register(nil, c)
				} else {
					c = boundConn(nextID, identities[idx], 1)
					r.Register(&identities[idx], c)
				}
				model[c] = idx
				all = append(all, c)
			},
			"unregister": func(t *rapid.T) {
				if len(all) == 0 {
					t.Skip("nothing to unregister")
				}
				c := rapid.SampledFrom(all).Draw(t, "conn")
				_, present := model[c]
				if got := r.Unregister(c); got != present {
					t.Fatalf("Unregister returned %v, model says present=%v", got, present)
				}
				delete(model, c)
			},
			"": func(t *rapid.T) {
				if r.Len() != len(model) {
					t.Fatalf("Len %d, model %d", r.Len(), len(model))
				}

				online := map[string]bool{}
				for c, idx := range model {
					if idx >= 0 {
						online[identities[idx].UserID] = true
						if !containsConn(r.Lookup(identities[idx].UserID), c) {
							t.Fatalf("conn %d missing from lookup", c.ID())
						}
					}
				}

				snapshot := r.Snapshot()
				if len(snapshot) != len(online) {
					t.Fatalf("snapshot %v, model online %v", snapshot, online)
				}
				for _, id := range snapshot {
					if !online[id.UserID] {
						t.Fatalf("snapshot lists offline identity %s", id.UserID)
					}
				}
				for _, id := range identities {
					if !online[id.UserID] && len(r.Lookup(id.UserID)) != 0 {
						t.Fatalf("offline identity %s has connections", id.UserID)
					}
				}
			},
		})
	})
}

func containsConn(conns []*Conn, c *Conn) bool {
	for _, x := range conns {
		if x == c {
			return true
		}
	}
	return false
}
