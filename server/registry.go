package server

import (
	"errors"
	"sort"
)

var ErrAlreadyPresent = errors.New("username already has an active session")

// Registry maps online usernames to their connections. It is owned by the
// reactor goroutine and must not be touched from anywhere else.
type Registry struct {
	sessions map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Conn)}
}

func (r *Registry) Register(username string, c *Conn) error {
	if _, ok := r.sessions[username]; ok {
		return ErrAlreadyPresent
	}
	r.sessions[username] = c
	return nil
}

func (r *Registry) Unregister(username string) {
	delete(r.sessions, username)
}

func (r *Registry) Lookup(username string) (*Conn, bool) {
	c, ok := r.sessions[username]
	return c, ok
}

// ListActive returns the online usernames in sorted order.
func (r *Registry) ListActive() []string {
	users := make([]string, 0, len(r.sessions))
	for username := range r.sessions {
		users = append(users, username)
	}
	sort.Strings(users)
	return users
}

func (r *Registry) Len() int {
	return len(r.sessions)
}
