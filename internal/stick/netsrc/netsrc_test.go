package netsrc

import (
	"sync"
	"testing"
	"time"

	"github.com/helmworks/steadystick/internal/stick"
)

// captureSink records every sample it is handed.
type captureSink struct {
	mu      sync.Mutex
	samples []stick.Sample
	err     error
}

func (c *captureSink) Process(s stick.Sample) (stick.Vec6, stick.Diagnostics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return stick.Vec6{}, stick.Diagnostics{}, c.err
	}
	c.samples = append(c.samples, s)
	return stick.Vec6{}, stick.Diagnostics{}, nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

func (c *captureSink) at(i int) stick.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.samples[i]
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
