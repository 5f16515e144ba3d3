package webhook

import (
	"sync"

	"github.com/handiism/media-enhancer/internal/model"
)

type ledgerState uint8

const (
	statePending ledgerState = iota + 1
	stateCommitted
)

// Ledger remembers which tokens have been accepted so a notification the
// service delivers twice reaches the completion queue once.
//
// A token is reserved before it is enqueued, committed once the enqueue
// succeeds, and released if the enqueue fails so a retried notification
// can still get through.
type Ledger struct {
	mu     sync.Mutex
	tokens map[model.CompletionToken]ledgerState
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{tokens: make(map[model.CompletionToken]ledgerState)}
}

// Reserve claims token. It returns false if the token is already reserved
// or committed.
func (l *Ledger) Reserve(token model.CompletionToken) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tokens[token]; ok {
		return false
	}
	l.tokens[token] = statePending
	return true
}

// Commit marks a reserved token as accepted for good.
func (l *Ledger) Commit(token model.CompletionToken) {
	l.mu.Lock()
	l.tokens[token] = stateCommitted
	l.mu.Unlock()
}

// Release forgets a reservation that was never committed.
func (l *Ledger) Release(token model.CompletionToken) {
	l.mu.Lock()
	if l.tokens[token] == statePending {
		delete(l.tokens, token)
	}
	l.mu.Unlock()
}

// Len returns the number of reserved or committed tokens.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tokens)
}
