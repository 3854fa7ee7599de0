// Package events fans committed tree changes out to the sessions watching a workspace.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"codepad/api/internal/logging"
	"codepad/api/internal/metrics"
	"codepad/api/internal/store"
)

type Entity string

const (
	EntityFolder Entity = "folder"
	EntityFile   Entity = "file"
)

type Op string

const (
	OpCreate Op = "create"
	OpRename Op = "rename"
	OpMove   Op = "move"
	OpDelete Op = "delete"
	// OpUpdate marks a content save; the file snapshot carries the new size.
	OpUpdate Op = "update"
)

const DefaultBuffer = 64

// Record describes one committed mutation. Deletes carry only ID.
type Record struct {
	WorkspaceID string        `json:"workspaceId"`
	Entity      Entity        `json:"entity"`
	Op          Op            `json:"op"`
	ID          string        `json:"id"`
	Folder      *store.Folder `json:"folder,omitempty"`
	File        *store.File   `json:"file,omitempty"`
	At          time.Time     `json:"at"`
}

// Subscription is one session's attachment to a workspace.
type Subscription struct {
	C           <-chan Record
	WorkspaceID string

	ch     chan Record
	closed bool
}

// Bus is an in-process publish/subscribe hub keyed by workspace id.
// Records published while a subscriber is detached are never delivered to it.
// A subscriber whose buffer is full when a record arrives is evicted: it is
// detached and its channel closed, so the consumer sees the end of the stream
// instead of a silent gap and can resync from a fresh snapshot.
type Bus struct {
	mu          sync.RWMutex
	buffer      int
	subscribers map[string]map[*Subscription]struct{}
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		buffer:      buffer,
		subscribers: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe attaches a new subscriber to workspaceID.
// The caller must call Unsubscribe when its session ends.
func (b *Bus) Subscribe(workspaceID string) *Subscription {
	ch := make(chan Record, b.buffer)
	sub := &Subscription{C: ch, WorkspaceID: workspaceID, ch: ch}

	b.mu.Lock()
	set, ok := b.subscribers[workspaceID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subscribers[workspaceID] = set
	}
	set[sub] = struct{}{}
	total := b.countLocked()
	b.mu.Unlock()

	metrics.SetChangeSubscribers(total)
	return sub
}

// Unsubscribe detaches sub and closes its channel. Calling it twice, or after
// the bus evicted sub, is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if !b.detachLocked(sub) {
		b.mu.Unlock()
		return
	}
	total := b.countLocked()
	b.mu.Unlock()

	metrics.SetChangeSubscribers(total)
}

// Publish delivers record to every current subscriber of workspaceID without
// blocking, evicting subscribers that cannot take it.
func (b *Bus) Publish(workspaceID string, record Record) {
	record.WorkspaceID = workspaceID
	if record.At.IsZero() {
		record.At = time.Now().UTC()
	}

	b.mu.Lock()
	evicted := 0
	for sub := range b.subscribers[workspaceID] {
		select {
		case sub.ch <- record:
			metrics.RecordChangeDelivered()
		default:
			b.detachLocked(sub)
			evicted++
		}
	}
	total := b.countLocked()
	b.mu.Unlock()

	if evicted > 0 {
		metrics.RecordSubscribersEvicted(evicted)
		metrics.SetChangeSubscribers(total)
		logging.L().Warn("evicted slow change subscribers",
			zap.String("workspace_id", workspaceID),
			zap.Int("evicted", evicted),
		)
	}
}

// detachLocked removes sub from its workspace set and closes its channel.
// It reports false if sub was already detached.
func (b *Bus) detachLocked(sub *Subscription) bool {
	if sub.closed {
		return false
	}
	sub.closed = true
	if set, ok := b.subscribers[sub.WorkspaceID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subscribers, sub.WorkspaceID)
		}
	}
	close(sub.ch)
	return true
}

func (b *Bus) count(workspaceID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[workspaceID])
}

func (b *Bus) countLocked() int {
	total := 0
	for _, set := range b.subscribers {
		total += len(set)
	}
	return total
}
