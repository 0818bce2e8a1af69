package relay

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrTurnNotFound means no turn with the id is running
	ErrTurnNotFound = errors.New("no running turn with this id")
	// ErrNotTurnOwner means the turn was started by another user
	ErrNotTurnOwner = errors.New("turn belongs to another user")
)

type runningTurn struct {
	userID string
	cancel context.CancelFunc
}

// Registry tracks running turns so their owners can stop them by id
type Registry struct {
	mu    sync.Mutex
	turns map[string]runningTurn
}

func NewRegistry() *Registry {
	return &Registry{turns: make(map[string]runningTurn)}
}

// Register records cancel under id for userID, which is empty for
// anonymous turns. It reports false when the id is already running.
func (r *Registry) Register(id, userID string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.turns[id]; exists {
		return false
	}
	r.turns[id] = runningTurn{userID: userID, cancel: cancel}
	return true
}

// Release forgets id once its turn has finished
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.turns, id)
}

// Cancel stops the turn with this id when userID started it
func (r *Registry) Cancel(id, userID string) error {
	r.mu.Lock()
	turn, ok := r.turns[id]
	r.mu.Unlock()
	if !ok {
		return ErrTurnNotFound
	}
	if turn.userID != userID {
		return ErrNotTurnOwner
	}
	turn.cancel()
	return nil
}

// Len returns the number of running turns
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}
