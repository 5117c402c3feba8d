package link

import "sync/atomic"

// rxRing is the per-interface receive ring. Producers append bytes under
// the interface queue lock; the parser snapshots chunks under the lock and
// parses outside it.
type rxRing struct {
	buf   []byte
	head  int // next byte to pop
	count int
}

func newRxRing(size int) *rxRing {
	return &rxRing{buf: make([]byte, size)}
}

// push appends as much of data as fits and returns the number of bytes
// accepted; the remainder is dropped by the caller.
func (r *rxRing) push(data []byte) int {
	free := len(r.buf) - r.count
	n := len(data)
	if n > free {
		n = free
	}
	tail := (r.head + r.count) % len(r.buf)
	for i := 0; i < n; i++ {
		r.buf[tail] = data[i]
		tail++
		if tail == len(r.buf) {
			tail = 0
		}
	}
	r.count += n
	return n
}

// pop copies up to len(out) buffered bytes into out.
func (r *rxRing) pop(out []byte) int {
	n := len(out)
	if n > r.count {
		n = r.count
	}
	for i := 0; i < n; i++ {
		out[i] = r.buf[r.head]
		r.head++
		if r.head == len(r.buf) {
			r.head = 0
		}
	}
	r.count -= n
	return n
}

func (r *rxRing) occupancy() int { return r.count }

// msgQueue is a bounded FIFO of parsed messages. Callers hold the owning
// lock; bodies are copied in under the lock and handed out by reference.
type msgQueue struct {
	items [][]byte
	limit int
}

func newMsgQueue(limit int) *msgQueue {
	return &msgQueue{limit: limit}
}

func (q *msgQueue) push(msg []byte) bool {
	if len(q.items) >= q.limit {
		return false
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	q.items = append(q.items, cp)
	return true
}

func (q *msgQueue) pop() ([]byte, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// pushFront requeues a message for retry ahead of the FIFO order.
func (q *msgQueue) pushFront(msg []byte) {
	q.items = append([][]byte{msg}, q.items...)
}

func (q *msgQueue) flush() { q.items = nil }

func (q *msgQueue) len() int { return len(q.items) }

// Stats are the per-interface link statistics. All counters are atomic so
// Snapshot never takes the interface locks.
type Stats struct {
	BytesFed      atomic.Uint64
	BytesConsumed atomic.Uint64
	BytesDropped  atomic.Uint64
	MaxOccupancy  atomic.Uint32

	FrameErrors    atomic.Uint64
	ChecksumErrors atomic.Uint64
	CrcErrors      atomic.Uint64

	MessagesUp    atomic.Uint64
	MessagesDown  atomic.Uint64
	Acks          atomic.Uint64
	AckTimeouts   atomic.Uint64
	Rejects       atomic.Uint64
	Duplicates    atomic.Uint64
	Resyncs       atomic.Uint64
	LinkResets    atomic.Uint64
	UplinkDropped atomic.Uint64
	UIDFiltered   atomic.Uint64
	WinksReceived atomic.Uint64
	DeviceResets  atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	BytesFed      uint64
	BytesConsumed uint64
	BytesDropped  uint64
	MaxOccupancy  uint32

	FrameErrors    uint64
	ChecksumErrors uint64
	CrcErrors      uint64

	MessagesUp    uint64
	MessagesDown  uint64
	Acks          uint64
	AckTimeouts   uint64
	Rejects       uint64
	Duplicates    uint64
	Resyncs       uint64
	LinkResets    uint64
	UplinkDropped uint64
	UIDFiltered   uint64
	WinksReceived uint64
	DeviceResets  uint64
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		BytesFed:       s.BytesFed.Load(),
		BytesConsumed:  s.BytesConsumed.Load(),
		BytesDropped:   s.BytesDropped.Load(),
		MaxOccupancy:   s.MaxOccupancy.Load(),
		FrameErrors:    s.FrameErrors.Load(),
		ChecksumErrors: s.ChecksumErrors.Load(),
		CrcErrors:      s.CrcErrors.Load(),
		MessagesUp:     s.MessagesUp.Load(),
		MessagesDown:   s.MessagesDown.Load(),
		Acks:           s.Acks.Load(),
		AckTimeouts:    s.AckTimeouts.Load(),
		Rejects:        s.Rejects.Load(),
		Duplicates:     s.Duplicates.Load(),
		Resyncs:        s.Resyncs.Load(),
		LinkResets:     s.LinkResets.Load(),
		UplinkDropped:  s.UplinkDropped.Load(),
		UIDFiltered:    s.UIDFiltered.Load(),
		WinksReceived:  s.WinksReceived.Load(),
		DeviceResets:   s.DeviceResets.Load(),
	}
}

func (s *Stats) noteOccupancy(depth int) {
	d := uint32(depth)
	for {
		cur := s.MaxOccupancy.Load()
		if d <= cur {
			return
		}
		if s.MaxOccupancy.CompareAndSwap(cur, d) {
			return
		}
	}
}
