package memory

import (
	"context"
	"sync"
	"time"

	"github.com/LingByte/LingHuddle/pkg/models"
	"github.com/LingByte/LingHuddle/pkg/store"
	"github.com/google/uuid"
)

// Relay implements store.SignalRelay with one ordered queue per recipient.
type Relay struct {
	mu       sync.Mutex
	queues   map[queueKey]*queue
	failWith error
}

type queueKey struct{ workItemID, to string }

type queue struct {
	seq   uint64
	items []entry
	subs  map[chan struct{}]struct{}
}

type entry struct {
	seq uint64
	msg *models.SignalMessage
}

var _ store.SignalRelay = (*Relay)(nil)

func NewRelay() *Relay {
	return &Relay{queues: make(map[queueKey]*queue)}
}

// FailAppends makes Append return err until called again with nil.
func (r *Relay) FailAppends(err error) {
	r.mu.Lock()
	r.failWith = err
	r.mu.Unlock()
}

// Pending returns a snapshot of undeleted messages addressed to `to`.
func (r *Relay) Pending(workItemID, to string) []*models.SignalMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[queueKey{workItemID, to}]
	if !ok {
		return nil
	}
	out := make([]*models.SignalMessage, 0, len(q.items))
	for _, e := range q.items {
		out = append(out, e.msg)
	}
	return out
}

func (r *Relay) queueLocked(workItemID, to string) *queue {
	key := queueKey{workItemID, to}
	q, ok := r.queues[key]
	if !ok {
		q = &queue{subs: make(map[chan struct{}]struct{})}
		r.queues[key] = q
	}
	return q
}

func (r *Relay) Append(ctx context.Context, workItemID, to, from string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return "", r.failWith
	}
	q := r.queueLocked(workItemID, to)
	q.seq++
	msg := &models.SignalMessage{
		ID:         uuid.NewString(),
		WorkItemID: workItemID,
		To:         to,
		From:       from,
		Payload:    append([]byte(nil), payload...),
		CreatedAt:  time.Now(),
	}
	q.items = append(q.items, entry{seq: q.seq, msg: msg})
	for wake := range q.subs {
		notify(wake)
	}
	return msg.ID, nil
}

func (r *Relay) Subscribe(ctx context.Context, workItemID, to string) (<-chan *models.SignalMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(chan *models.SignalMessage, 16)
	wake := make(chan struct{}, 1)

	r.mu.Lock()
	q := r.queueLocked(workItemID, to)
	q.subs[wake] = struct{}{}
	r.mu.Unlock()
	notify(wake)

	go func() {
		defer close(out)
		defer func() {
			r.mu.Lock()
			delete(q.subs, wake)
			r.mu.Unlock()
		}()

		var last uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
			for _, msg := range r.since(q, &last) {
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Relay) since(q *queue, last *uint64) []*models.SignalMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SignalMessage
	for _, e := range q.items {
		if e.seq > *last {
			out = append(out, e.msg)
			*last = e.seq
		}
	}
	return out
}

func (r *Relay) Delete(ctx context.Context, workItemID, to, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[queueKey{workItemID, to}]
	if !ok {
		return nil
	}
	for i, e := range q.items {
		if e.msg.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	return nil
}

func (r *Relay) Purge(ctx context.Context, workItemID, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[queueKey{workItemID, to}]; ok {
		q.items = nil
	}
	return nil
}

func notify(wake chan struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}
