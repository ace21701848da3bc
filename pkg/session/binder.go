// Package session maps transport session ids to the identity that opened
// them. Every request on a session is billed to that identity; there is no
// process-wide "current user".
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vikashloomba/mcpgate/pkg/auth"
)

var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrAlreadyBound    = errors.New("session: already bound to another identity")
	ErrEmptySessionID  = errors.New("session: empty session id")
)

// Binding is one live session.
type Binding struct {
	SessionID string        `json:"session_id"`
	Identity  auth.Identity `json:"identity"`
	CreatedAt time.Time     `json:"created_at"`
}

// Binder holds the session to identity table.
type Binder struct {
	mu       sync.RWMutex
	bindings map[string]Binding
	nowFn    func() time.Time
}

func NewBinder() *Binder {
	return &Binder{bindings: make(map[string]Binding), nowFn: time.Now}
}

// Bind associates sessionID with id. Rebinding the same identity is a no-op;
// a different identity is rejected because a binding never changes.
func (b *Binder) Bind(sessionID string, id auth.Identity) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.bindings[sessionID]; ok {
		if existing.Identity.AccountID != id.AccountID {
			return fmt.Errorf("%w: %s", ErrAlreadyBound, sessionID)
		}
		return nil
	}
	b.bindings[sessionID] = Binding{SessionID: sessionID, Identity: id, CreatedAt: b.nowFn().UTC()}
	return nil
}

func (b *Binder) IdentityFor(sessionID string) (auth.Identity, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	binding, ok := b.bindings[sessionID]
	if !ok {
		return auth.Identity{}, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	return binding.Identity, nil
}

// Unbind drops the binding. Unknown ids are ignored.
func (b *Binder) Unbind(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bindings, sessionID)
}

func (b *Binder) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bindings)
}

// Sessions returns a snapshot ordered by creation time.
func (b *Binder) Sessions() []Binding {
	b.mu.RLock()
	out := make([]Binding, 0, len(b.bindings))
	for _, binding := range b.bindings {
		out = append(out, binding)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}
