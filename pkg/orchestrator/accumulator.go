package orchestrator

import (
	"strings"
	"sync"
)

// accumulator collects the chunks of one streaming turn. Its content is what gets
// persisted when the stream ends, fails or is interrupted.
type accumulator struct {
	mu     sync.Mutex
	b      strings.Builder
	chunks int
}

func (a *accumulator) Append(chunk string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.b.WriteString(chunk)
	a.chunks++
}

func (a *accumulator) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.b.String()
}

func (a *accumulator) Chunks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chunks
}

// Partial returns the content to seal an interrupted turn with.
func (a *accumulator) Partial() string {
	s := a.String()
	if s == "" {
		return InterruptedContent
	}
	return s
}
