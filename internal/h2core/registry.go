package h2core

import (
	"fmt"
	"sync"

	"github.com/google/btree"
)

// authorityKey identifies one shareable HTTP/2 connection: the (plain,
// host, port) tuple from §3/§4.5.
type authorityKey struct {
	Plain bool
	Host  string
	Port  int
}

func (k authorityKey) String() string {
	scheme := "https"
	if k.Plain {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, k.Host, k.Port)
}

func lessAuthorityKey(a, b authorityKey) bool {
	if a.Plain != b.Plain {
		return !a.Plain && b.Plain
	}
	if a.Host != b.Host {
		return a.Host < b.Host
	}
	return a.Port < b.Port
}

type registryEntry struct {
	key authorityKey
	ep  *Endpoint
}

// endpointRegistry is ClientAgent's per-authority connection table. It is
// backed by a plain mutex-guarded map for O(1) lookup plus a btree.BTreeG
// kept in sync for deterministic sorted enumeration (§3: "Kept in an
// ordered index ... so diagnostics can enumerate endpoints
// deterministically").
type endpointRegistry struct {
	mu   sync.Mutex
	byKey map[authorityKey]*Endpoint
	tree  *btree.BTreeG[registryEntry]
}

func newEndpointRegistry() *endpointRegistry {
	return &endpointRegistry{
		byKey: make(map[authorityKey]*Endpoint),
		tree: btree.NewG(32, func(a, b registryEntry) bool {
			return lessAuthorityKey(a.key, b.key)
		}),
	}
}

// get returns the installed endpoint for key, if any.
func (r *endpointRegistry) get(key authorityKey) (*Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.byKey[key]
	return ep, ok
}

// installIfAbsent installs ep under key iff no endpoint is installed yet,
// enforcing "at most one endpoint per key" (§3 invariant, §4.5 coalescing
// rule: "the first-installed endpoint wins"). Returns the endpoint that
// ends up installed (ep itself, or whichever raced ahead of it) and whether
// ep was the one installed.
func (r *endpointRegistry) installIfAbsent(key authorityKey, ep *Endpoint) (*Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byKey[key]; ok {
		return existing, false
	}
	r.byKey[key] = ep
	r.tree.ReplaceOrInsert(registryEntry{key: key, ep: ep})
	return ep, true
}

// remove drops key's installed endpoint, if it still matches ep (a
// concurrently-installed replacement is left untouched).
func (r *endpointRegistry) remove(key authorityKey, ep *Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byKey[key] != ep {
		return
	}
	delete(r.byKey, key)
	r.tree.Delete(registryEntry{key: key})
}

// snapshot returns every installed (key, endpoint) pair in ascending key
// order, for diagnostics (ClientAgent.Snapshot(), §3) and for the
// deterministic GOAWAY-sweep order used when the agent is torn down.
func (r *endpointRegistry) snapshot() []registryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]registryEntry, 0, r.tree.Len())
	r.tree.Ascend(func(e registryEntry) bool {
		out = append(out, e)
		return true
	})
	return out
}
