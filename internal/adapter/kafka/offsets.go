package kafka

import (
	"slices"
	"sync"

	"github.com/segmentio/kafka-go"
)

// offsetTracker decides which offsets are safe to commit. Messages may
// finish in any order; only the highest offset below which everything has
// finished is released for commit. After a rebalance the group can hand
// out an offset again while the first copy is still running, so every
// copy of an offset must finish before it is released.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	pending     []int64       // strictly ascending
	outstanding map[int64]int // copies of each pending offset still running
	finished    map[int64]kafka.Message
	released    int64 // highest offset handed out for commit, -1 if none
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets)}
}

func (t *offsetTracker) partition(id int) *partitionOffsets {
	p, ok := t.partitions[id]
	if !ok {
		p = &partitionOffsets{
			outstanding: make(map[int64]int),
			finished:    make(map[int64]kafka.Message),
			released:    -1,
		}
		t.partitions[id] = p
	}
	return p
}

// Track registers a fetched message. Offsets that were already released
// are ignored; their Finish is a no-op.
func (t *offsetTracker) Track(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.partition(msg.Partition)
	if msg.Offset <= p.released {
		return
	}
	if n, ok := p.outstanding[msg.Offset]; ok {
		p.outstanding[msg.Offset] = n + 1
		return
	}

	i, _ := slices.BinarySearch(p.pending, msg.Offset)
	p.pending = slices.Insert(p.pending, i, msg.Offset)
	p.outstanding[msg.Offset] = 1
}

// Finish marks one copy of msg as processed. It returns the message to
// commit when the contiguous prefix advanced. Released offsets only ever
// increase.
func (t *offsetTracker) Finish(msg kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[msg.Partition]
	if !ok {
		return kafka.Message{}, false
	}
	n, ok := p.outstanding[msg.Offset]
	if !ok || n == 0 {
		return kafka.Message{}, false
	}
	p.outstanding[msg.Offset] = n - 1
	p.finished[msg.Offset] = msg

	var (
		commit  kafka.Message
		advance bool
	)
	for len(p.pending) > 0 {
		head := p.pending[0]
		if p.outstanding[head] > 0 {
			break
		}
		commit, advance = p.finished[head], true
		delete(p.outstanding, head)
		delete(p.finished, head)
		p.pending = p.pending[1:]
		p.released = head
	}
	if len(p.pending) == 0 {
		p.pending = nil
	}
	return commit, advance
}

// Pending reports how many tracked offsets have not yet been released.
func (t *offsetTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, p := range t.partitions {
		n += len(p.pending)
	}
	return n
}
