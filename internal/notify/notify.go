// Package notify provides the wakeup-channel backends behind
// service.Notifier. Wait blocks until a notification arrives on the channel,
// the timeout elapses, or ctx is done; it returns ctx.Err() only in the last
// case.
package notify

import (
	"context"
	"sync"
	"time"
)

// MemoryNotifier is a process-local notifier for tests and single-process
// deployments.
type MemoryNotifier struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{waiters: make(map[string][]chan struct{})}
}

func (n *MemoryNotifier) Notify(ctx context.Context, channel string) error {
	n.mu.Lock()
	waiters := n.waiters[channel]
	n.waiters[channel] = nil
	n.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
	return nil
}

func (n *MemoryNotifier) Wait(ctx context.Context, channel string, timeout time.Duration) error {
	ch := make(chan struct{})
	n.mu.Lock()
	n.waiters[channel] = append(n.waiters[channel], ch)
	n.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
	case <-ctx.Done():
		n.remove(channel, ch)
		return ctx.Err()
	}
	n.remove(channel, ch)
	return nil
}

func (n *MemoryNotifier) remove(channel string, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	waiters := n.waiters[channel]
	for i, w := range waiters {
		if w == ch {
			n.waiters[channel] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

func (n *MemoryNotifier) Close() error { return nil }
