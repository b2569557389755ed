package session

import "sync"

// candidateBuffer holds inbound ICE candidates that arrived before the remote
// description was applied. Candidates must be applied in arrival order after
// the flush — reordering can stall connectivity establishment.
type candidateBuffer struct {
	mu      sync.Mutex
	pending []string
	flushed bool
}

// Hold queues a candidate if the buffer has not been flushed yet.
// Returns false if the candidate should be applied directly instead.
func (b *candidateBuffer) Hold(candidate string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed {
		return false
	}
	b.pending = append(b.pending, candidate)
	return true
}

// Flush marks the buffer flushed and returns the queued candidates in FIFO
// order. Subsequent Hold calls return false; subsequent Flush calls return nil.
func (b *candidateBuffer) Flush() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed {
		return nil
	}
	b.flushed = true
	out := b.pending
	b.pending = nil
	return out
}

// Len reports how many candidates are currently queued.
func (b *candidateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
