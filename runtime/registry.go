package runtime

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"fmt"
	"sync"
)

type Set map[domain.ConnectionID]struct{}

// Registry owns the live bindings between connections and display names.
// A connection is attached when the transport opens it, bound on join and
// removed on close. Nothing else mutates these maps.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.ConnectionID]string // attached connection -> bound name ("" while unbound)
	members  map[string]Set                 // name -> bound connections
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.ConnectionID]string),
		members:  make(map[string]Set),
	}
}

// Attach records an open, still unbound connection. Attaching twice is a no-op.
func (r *Registry) Attach(id domain.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		r.sessions[id] = ""
	}
}

// Bind associates an attached connection with a name.
// It returns true only for the Unbound -> Bound transition; binding again to the
// same name is a no-op and binding to another name is a protocol error.
func (r *Registry) Bind(id domain.ConnectionID, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", errors.ErrConnectionClosed, id)
	}
	switch current {
	case name:
		return false, nil
	case "":
	default:
		return false, fmt.Errorf("%w: %s is bound to %q", errors.ErrAlreadyBound, id, current)
	}

	r.sessions[id] = name
	if _, ok := r.members[name]; !ok {
		r.members[name] = make(Set)
	}
	r.members[name][id] = struct{}{}
	return true, nil
}

// Unbind removes the connection from every index.
// It is safe to call for connections that were never bound or are already gone.
func (r *Registry) Unbind(id domain.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	if members, ok := r.members[name]; ok {
		delete(members, id)
		// no empty sets left behind for users that went offline
		if len(members) == 0 {
			delete(r.members, name)
		}
	}
}

func (r *Registry) State(id domain.ConnectionID) domain.ConnectionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.sessions[id]
	switch {
	case !ok:
		return domain.Closed
	case name == "":
		return domain.Unbound
	default:
		return domain.Bound
	}
}

func (r *Registry) BoundName(id domain.ConnectionID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.sessions[id]
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// ConnectionsFor returns every connection bound to name, possibly none.
func (r *Registry) ConnectionsFor(name string) []domain.ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.members[name]
	res := make([]domain.ConnectionID, 0, len(members))
	for id := range members {
		res = append(res, id)
	}
	return res
}

// Live returns every bound connection across all users.
func (r *Registry) Live() []domain.ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []domain.ConnectionID
	for _, members := range r.members {
		for id := range members {
			res = append(res, id)
		}
	}
	return res
}

func (r *Registry) Stats() (int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), len(r.members)
}
