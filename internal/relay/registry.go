package relay

import (
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

type peer struct {
	id   string
	conn *websocket.Conn
}

// Registry is the set of open client connections. No lock is held while
// sending; snapshot copies the set.
type Registry struct {
	mu    sync.Mutex
	peers map[string]*peer
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*peer)}
}

// Add registers conn and returns its id.
func (r *Registry) Add(conn *websocket.Conn) string {
	p := &peer{id: uuid.NewString(), conn: conn}
	r.mu.Lock()
	r.peers[p.id] = p
	r.mu.Unlock()
	return p.id
}

// Remove drops id. It reports whether id was registered.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	return true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// snapshot returns the registered connections at this moment.
func (r *Registry) snapshot() []*peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}
