package pipeline

import (
	"sync"

	"github.com/handiism/media-enhancer/internal/model"
)

// outcome is the end of a download, kept until the item it belongs to is
// known.
type outcome struct {
	result model.Result
	err    error
}

type registryEntry struct {
	item        *model.MediaItem
	downloading bool
	settled     *outcome
}

// registry joins uploaded items to their tokens so the download stage can
// find the item a token belongs to.
//
// A notification can be delivered before the upload worker has read the
// upload response. In that case the download claims the token first and
// leaves its outcome here for the upload worker to apply.
type registry struct {
	mu      sync.Mutex
	entries map[model.CompletionToken]*registryEntry
}

func newRegistry() *registry {
	return &registry{entries: make(map[model.CompletionToken]*registryEntry)}
}

// attach records that item produced token. If the download for token has
// already finished, its outcome is returned and the caller finishes the
// item. ErrDuplicateToken is returned when another item holds token.
func (r *registry) attach(token model.CompletionToken, item *model.MediaItem) (*outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[token]
	if !ok {
		r.entries[token] = &registryEntry{item: item}
		return nil, nil
	}
	if e.item != nil {
		return nil, ErrDuplicateToken
	}
	if e.settled != nil {
		delete(r.entries, token)
		return e.settled, nil
	}
	e.item = item
	return nil, nil
}

// claim marks token as being downloaded and returns its item, which is nil
// when the upload worker has not attached it yet.
func (r *registry) claim(token model.CompletionToken) *model.MediaItem {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[token]
	if !ok {
		r.entries[token] = &registryEntry{downloading: true}
		return nil
	}
	e.downloading = true
	return e.item
}

// settle records the download outcome for token and returns the item to
// finish, or nil when no item is attached yet.
func (r *registry) settle(token model.CompletionToken, o outcome) *model.MediaItem {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[token]
	if !ok {
		return nil
	}
	if e.item != nil {
		delete(r.entries, token)
		return e.item
	}
	e.settled = &o
	return nil
}

// abandon removes and returns every item still waiting for its download,
// along with the number of settled downloads no item ever claimed.
func (r *registry) abandon() (waiting []*model.MediaItem, unmatched int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for token, e := range r.entries {
		switch {
		case e.item != nil && !e.downloading:
			waiting = append(waiting, e.item)
			delete(r.entries, token)
		case e.item == nil && e.settled != nil:
			unmatched++
			delete(r.entries, token)
		}
	}
	return waiting, unmatched
}

// holds reports whether an item is attached to token.
func (r *registry) holds(token model.CompletionToken) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[token]
	return ok && e.item != nil
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
