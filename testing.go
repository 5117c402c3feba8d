package lon

import (
	"sync"

	"github.com/ehrlich-b/go-lon/internal/hal"
)

// Transport is the raw byte stream underneath a link interface.
type Transport = hal.Transport

// ErrNoMessage is the non-blocking read's empty-stream sentinel.
var ErrNoMessage = hal.ErrNoMessage

// MockTransport is a scriptable Transport for application tests: queue the
// bytes the link should receive and inspect what it wrote.
type MockTransport struct {
	mu     sync.Mutex
	rx     []byte
	writes [][]byte
	closed bool

	readCalls  int
	writeCalls int
}

// NewMockTransport creates an empty mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// QueueRead appends bytes for the link to read.
func (m *MockTransport) QueueRead(p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rx = append(m.rx, p...)
}

// Read implements Transport; non-blocking.
func (m *MockTransport) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls++
	if m.closed {
		return 0, hal.ErrInterface
	}
	if len(m.rx) == 0 {
		return 0, hal.ErrNoMessage
	}
	n := copy(p, m.rx)
	m.rx = m.rx[n:]
	return n, nil
}

// Write implements Transport, capturing each write.
func (m *MockTransport) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCalls++
	if m.closed {
		return 0, hal.ErrInterface
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	m.writes = append(m.writes, cp)
	return len(p), nil
}

// Close implements Transport.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Writes returns and clears the captured writes.
func (m *MockTransport) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.writes
	m.writes = nil
	return w
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
