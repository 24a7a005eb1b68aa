package realtime

import (
	"sync"
	"time"
)

// Ticket is a reserved slot in one conversation's emit order.
type Ticket struct {
	room string
	n    uint64
	At   time.Time
}

type sequence struct {
	mu      sync.Mutex
	next    uint64 // next ticket to hand out
	done    uint64 // tickets below this have emitted
	pending map[uint64]func()
}

// Sequencers makes broadcast order within a conversation equal to the order
// messages were persisted. Writers Reserve a ticket before inserting, use the
// ticket's timestamp as the row's created_at, and Complete the ticket with
// the emit to run; emits run strictly in ticket order.
type Sequencers struct {
	mu    sync.Mutex
	rooms map[string]*sequence
	last  time.Time
	now   func() time.Time
}

func NewSequencers() *Sequencers {
	return &Sequencers{rooms: make(map[string]*sequence), now: time.Now}
}

// Reserve hands out the next ticket for room. Timestamps are strictly
// increasing at microsecond precision across the process, so they stay
// ordered after an idle room is pruned.
func (s *Sequencers) Reserve(room string) Ticket {
	s.mu.Lock()
	seq := s.rooms[room]
	if seq == nil {
		seq = &sequence{pending: make(map[uint64]func())}
		s.rooms[room] = seq
	}
	at := s.now().UTC().Truncate(time.Microsecond)
	if !at.After(s.last) {
		at = s.last.Add(time.Microsecond)
	}
	s.last = at
	seq.mu.Lock()
	s.mu.Unlock()
	defer seq.mu.Unlock()

	t := Ticket{room: room, n: seq.next, At: at}
	seq.next++
	return t
}

// Complete releases t. emit may be nil when the write failed; the slot is
// still consumed so later tickets are not held back.
func (s *Sequencers) Complete(t Ticket, emit func()) {
	s.mu.Lock()
	seq := s.rooms[t.room]
	s.mu.Unlock()
	if seq == nil {
		return
	}

	seq.mu.Lock()
	if emit == nil {
		emit = func() {}
	}
	seq.pending[t.n] = emit
	for {
		fn, ok := seq.pending[seq.done]
		if !ok {
			break
		}
		delete(seq.pending, seq.done)
		seq.done++
		fn()
	}
	idle := seq.done == seq.next
	seq.mu.Unlock()

	if idle {
		s.prune(t.room, seq)
	}
}

func (s *Sequencers) prune(room string, seq *sequence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[room] != seq {
		return
	}
	seq.mu.Lock()
	defer seq.mu.Unlock()
	if seq.done == seq.next {
		delete(s.rooms, room)
	}
}

// Len reports how many rooms have tickets in flight.
func (s *Sequencers) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}
