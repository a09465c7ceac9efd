package dispatch

import (
	"sync"
	"testing"
)

// MockCall is one recorded Notify invocation.
type MockCall struct {
	ID    string
	Event string
	URL   string
}

// MockNotifier records notifications instead of performing HTTP calls. Calls
// are also pushed to Ch so tests can wait for asynchronous dispatches.
type MockNotifier struct {
	mu    sync.Mutex
	calls []MockCall
	Ch    chan MockCall
}

func GetMockNotifier(t *testing.T) *MockNotifier {
	// Passing t here to ensure it is not used in production code
	t.Logf("Using mock notifier")
	return &MockNotifier{
		calls: make([]MockCall, 0),
		Ch:    make(chan MockCall, 16),
	}
}

func (m *MockNotifier) Notify(id string, event string, targetURL string) {
	call := MockCall{ID: id, Event: event, URL: targetURL}
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
	m.Ch <- call
}

func (m *MockNotifier) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}
