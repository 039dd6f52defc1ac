// Package queue holds chat turns a client submitted for a session that
// already has a turn in flight, so they run in order once that turn
// finishes instead of being rejected outright. Queues are in-process,
// per-session state mutated only by the execution unit that owns the
// corresponding session, supporting the client-facing
// queue_remove/queue_edit operations and the queue_update broadcast.
package queue

import (
	"sync"

	"github.com/google/uuid"
)

// Item is one queued chat turn awaiting its session's current turn to
// finish. Fields mirror the subset of a chat request a transport needs
// to replay the turn later.
type Item struct {
	ID          string
	SessionID   string
	TabID       string
	Text        string
	Attachments []byte // opaque, transport-defined encoding
	Skills      []string
	Model       string
	Mode        string
	AgentMode   string
	MaxTurns    int
	Workdir     string
}

// Queue is the per-session FIFO of pending chat turns.
type Queue struct {
	mu    sync.Mutex
	items map[string][]*Item // sessionID -> ordered pending items
}

// New constructs an empty Queue.
func New() *Queue {
	return &Queue{items: make(map[string][]*Item)}
}

// Enqueue appends item to its session's queue, assigning it a fresh id,
// and returns the stored item.
func (q *Queue) Enqueue(item Item) *Item {
	item.ID = uuid.NewString()
	q.mu.Lock()
	defer q.mu.Unlock()
	stored := item
	q.items[item.SessionID] = append(q.items[item.SessionID], &stored)
	return &stored
}

// Pop removes and returns the front item of sessionID's queue, if any.
func (q *Queue) Pop(sessionID string) (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.items[sessionID]
	if len(pending) == 0 {
		return nil, false
	}
	head := pending[0]
	rest := pending[1:]
	if len(rest) == 0 {
		delete(q.items, sessionID)
	} else {
		q.items[sessionID] = rest
	}
	return head, true
}

// Remove drops queueID from sessionID's queue, reporting whether it was
// found.
func (q *Queue) Remove(sessionID, queueID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.items[sessionID]
	for i, it := range pending {
		if it.ID == queueID {
			q.items[sessionID] = append(pending[:i:i], pending[i+1:]...)
			if len(q.items[sessionID]) == 0 {
				delete(q.items, sessionID)
			}
			return true
		}
	}
	return false
}

// Edit replaces the text of queueID in sessionID's queue in place,
// reporting whether it was found.
func (q *Queue) Edit(sessionID, queueID, text string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items[sessionID] {
		if it.ID == queueID {
			it.Text = text
			return true
		}
	}
	return false
}

// List returns a snapshot of sessionID's pending queue, in order.
func (q *Queue) List(sessionID string) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.items[sessionID]
	out := make([]*Item, len(pending))
	copy(out, pending)
	return out
}
