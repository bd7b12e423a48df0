package output_storage

import (
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

// Broadcaster fans a value out to every subscriber. Slow subscribers lose
// stale values instead of blocking the publisher, so it is only suitable
// for wakeup-style notifications.
type Broadcaster[T any] struct {
	messageReceiver chan T
	sendMu          sync.Mutex
	closed          bool

	mu          sync.Mutex
	subscribers map[chan T]struct{}
	stopped     bool
}

func RunNewBroadcaster[T any]() *Broadcaster[T] {
	broadcaster := &Broadcaster[T]{
		messageReceiver: make(chan T, 1),
		subscribers:     make(map[chan T]struct{}),
	}

	go broadcaster.start()

	return broadcaster
}

func (broadcaster *Broadcaster[T]) start() {
	for msg := range broadcaster.messageReceiver {
		// Sends happen under mu so Unsubscribe cannot close a channel
		// mid-send. They never block: this goroutine is the only sender and
		// every subscriber channel has a free slot after the drop.
		broadcaster.mu.Lock()
		for s := range broadcaster.subscribers {
			dropOldestAndSend(s, msg)
		}
		broadcaster.mu.Unlock()
	}

	broadcaster.mu.Lock()
	for s := range broadcaster.subscribers {
		close(s)
	}
	logger.Debug("broadcaster stopped", zap.Int("subscribers", len(broadcaster.subscribers)))
	broadcaster.subscribers = nil
	broadcaster.stopped = true
	broadcaster.mu.Unlock()
}

// Stop closes every subscriber channel. Publishing after Stop is a no-op.
func (broadcaster *Broadcaster[T]) Stop() {
	broadcaster.sendMu.Lock()
	defer broadcaster.sendMu.Unlock()
	if broadcaster.closed {
		return
	}
	broadcaster.closed = true
	close(broadcaster.messageReceiver)
}

func (broadcaster *Broadcaster[T]) Subscribe() (chan T, error) {
	// Buffer of 1 so stale notifications can be dropped without blocking.
	ch := make(chan T, 1)
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	if broadcaster.stopped {
		return nil, errors.New("failed to subscribe: broadcaster is stopped")
	}
	broadcaster.subscribers[ch] = struct{}{}
	return ch, nil
}

// Unsubscribe removes the subscriber and closes its channel.
func (broadcaster *Broadcaster[T]) Unsubscribe(subscriberSender chan T) {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	if broadcaster.stopped {
		return
	}
	if _, ok := broadcaster.subscribers[subscriberSender]; ok {
		delete(broadcaster.subscribers, subscriberSender)
		close(subscriberSender)
	}
}

func (broadcaster *Broadcaster[T]) Publish(msg T) {
	broadcaster.sendMu.Lock()
	defer broadcaster.sendMu.Unlock()
	if broadcaster.closed {
		return
	}
	dropOldestAndSend(broadcaster.messageReceiver, msg)
}

func dropOldestAndSend[T any](ch chan T, msg T) {
	select {
	case ch <- msg:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- msg
	}
}
