package detection

import (
	"sync"

	"github.com/sharmahdk13s/go-facecapture/pkg/frame"
)

// Mock implements Detector for testing.
// DetectFunc decides the result of each call; nil means no faces.
type Mock struct {
	DetectFunc func(f frame.Frame) ([]FaceBox, error)
	CloseFunc  func() error

	mu     sync.Mutex
	seqs   []uint64
	closed bool
}

// NewMock returns a mock that reports the same faces for every frame.
func NewMock(faces ...FaceBox) *Mock {
	return &Mock{
		DetectFunc: func(frame.Frame) ([]FaceBox, error) {
			return faces, nil
		},
	}
}

// Detect records the frame sequence and calls DetectFunc.
func (m *Mock) Detect(f frame.Frame) ([]FaceBox, error) {
	m.mu.Lock()
	m.seqs = append(m.seqs, f.Seq)
	fn := m.DetectFunc
	m.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(f)
}

// Close calls CloseFunc and marks the mock closed.
func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed = true
	fn := m.CloseFunc
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return nil
}

// Seqs returns the sequence numbers of every frame passed to Detect.
func (m *Mock) Seqs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.seqs))
	copy(out, m.seqs)
	return out
}

// Closed reports whether Close was called.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
