package output_storage

import (
	"bytes"
	"sync/atomic"

	"go.uber.org/zap"
)

// node is an element of the singly linked list backing OutputStorage.
// The list has a sentinel head so appends never special-case emptiness.
type node struct {
	data []byte
	next atomic.Pointer[node]
}

var logger = zap.NewNop()

// OutputStorage is an append-only list of byte chunks written by a single
// producer (the copier goroutine of a child process) and read by any number
// of concurrent readers. Readers see a best-effort snapshot without locks.
type OutputStorage struct {
	head *node // sentinel head, immutable
	tail *node // last element in the list (or sentinel if empty)
	size atomic.Int64

	broadcaster *Broadcaster[struct{}]
}

// RunNewOutputStorage creates a new, empty OutputStorage.
func RunNewOutputStorage() *OutputStorage {
	sentinel := &node{}
	return &OutputStorage{
		head:        sentinel,
		tail:        sentinel,
		broadcaster: RunNewBroadcaster[struct{}](),
	}
}

// Stop marks the end of the stream. Subscribers drain what is stored and
// then see their channel closed.
func (s *OutputStorage) Stop() {
	if s == nil {
		return
	}
	s.broadcaster.Stop()
}

// Append adds data to the end of the list. The slice is stored as is.
func (s *OutputStorage) Append(data []byte) {
	if s == nil {
		return
	}

	newTail := &node{data: data}
	s.tail.next.Store(newTail)
	s.tail = newTail
	s.size.Add(int64(len(data)))

	logger.Debug("output appended", zap.Int("bytes", len(data)))
	s.broadcaster.Publish(struct{}{})
}

// Len returns the number of bytes stored so far.
func (s *OutputStorage) Len() int {
	if s == nil {
		return 0
	}
	return int(s.size.Load())
}

func (s *OutputStorage) follow(notifier chan struct{}, ch chan []byte) {
	prev := s.head
	for {
		current := prev.next.Load()
		if current == nil {
			if _, ok := <-notifier; !ok {
				// Producer stopped: flush whatever landed after the last wakeup.
				for current = prev.next.Load(); current != nil; current = current.next.Load() {
					ch <- current.data
				}
				close(ch)
				return
			}
			continue
		}
		prev = current
		ch <- current.data
	}
}

func (s *OutputStorage) replay(ch chan []byte) {
	s.ForEach(func(b []byte) bool {
		ch <- b
		return true
	})
	close(ch)
}

// Subscribe streams every stored chunk, from the first one, into the
// returned channel. The channel is closed once the storage is stopped and
// fully delivered.
func (s *OutputStorage) Subscribe(capacity int) <-chan []byte {
	ch := make(chan []byte, capacity)
	notifier, err := s.broadcaster.Subscribe()
	if err == nil {
		go s.follow(notifier, ch)
	} else {
		go s.replay(ch)
	}
	return ch
}

// ForEach iterates over all stored chunks in insertion order until iter
// returns false.
func (s *OutputStorage) ForEach(iter func([]byte) bool) {
	if s == nil || iter == nil {
		return
	}
	for cur := s.head.next.Load(); cur != nil; cur = cur.next.Load() {
		if !iter(cur.data) {
			return
		}
	}
}

// Bytes concatenates all stored chunks.
func (s *OutputStorage) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(s.Len())
	s.ForEach(func(b []byte) bool {
		buf.Write(b)
		return true
	})
	return buf.Bytes()
}

// Tail returns at most the last n bytes, trimmed to start at a line
// boundary when one is available.
func (s *OutputStorage) Tail(n int) string {
	all := s.Bytes()
	if n <= 0 || len(all) <= n {
		return string(bytes.TrimSpace(all))
	}
	cut := all[len(all)-n:]
	if i := bytes.IndexByte(cut, '\n'); i >= 0 && i < len(cut)-1 {
		cut = cut[i+1:]
	}
	return string(bytes.TrimSpace(cut))
}

// String returns all stored chunks concatenated into a single string.
func (s *OutputStorage) String() string {
	return string(s.Bytes())
}
