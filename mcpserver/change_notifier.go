package mcpserver

import (
	"slices"
	"sync"
)

// ChangeNotifier fans a "something changed" signal out to subscribers. Sends
// never block: a subscriber that has not drained its previous signal simply
// coalesces the next one.
type ChangeNotifier struct {
	mu          sync.Mutex
	subscribers []chan struct{}
	closed      bool
}

// Notify signals every current subscriber.
func (cn *ChangeNotifier) Notify() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return
	}
	for _, ch := range cn.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a signal channel and a func that releases it. The
// channel is closed when the notifier closes or the subscription is released.
func (cn *ChangeNotifier) Subscribe() (<-chan struct{}, func()) {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	ch := make(chan struct{}, 1)
	if cn.closed {
		close(ch)
		return ch, func() {}
	}
	cn.subscribers = append(cn.subscribers, ch)

	return ch, func() {
		cn.mu.Lock()
		defer cn.mu.Unlock()
		i := slices.Index(cn.subscribers, ch)
		if i < 0 {
			return
		}
		cn.subscribers = slices.Delete(cn.subscribers, i, i+1)
		close(ch)
	}
}

// Close releases every subscriber.
func (cn *ChangeNotifier) Close() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return
	}
	cn.closed = true
	for _, ch := range cn.subscribers {
		close(ch)
	}
	cn.subscribers = nil
}
