package client

import (
	"encoding/json"
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"
)

type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "debug"
	case LogInfo:
		return "info"
	case LogWarn:
		return "warn"
	case LogError:
		return "error"
	default:
		return "unknown"
	}
}

// Observer receives client events. Any callback may be nil, in which case that event is skipped.
// Callbacks run on a dedicated goroutine, one at a time and in event order, and may call back into
// the client.
type Observer struct {
	OnOpen          func()
	OnServerMessage func(message string, value json.RawMessage)
	OnError         func(err error)
	OnClose         func()
	OnLog           func(level LogLevel, message string)
}

type ListenerID uint64

// listenerSet keeps observers in registration order.
type listenerSet struct {
	lock    sync.Mutex
	seed    ListenerID
	entries *linkedhashmap.Map
}

func newListenerSet() *listenerSet {
	return &listenerSet{entries: linkedhashmap.New()}
}

func (s *listenerSet) add(o Observer) ListenerID {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.seed++
	s.entries.Put(s.seed, o)
	return s.seed
}

func (s *listenerSet) remove(id ListenerID) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, found := s.entries.Get(id); !found {
		return false
	}
	s.entries.Remove(id)
	return true
}

func (s *listenerSet) snapshot() []Observer {
	s.lock.Lock()
	defer s.lock.Unlock()
	values := s.entries.Values()
	observers := make([]Observer, len(values))
	for i, v := range values {
		observers[i] = v.(Observer)
	}
	return observers
}

// notifier runs posted functions in order on its own goroutine. Functions posted after close are
// dropped; those posted before still run.
type notifier struct {
	lock   sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

func newNotifier() *notifier {
	n := &notifier{}
	n.cond = sync.NewCond(&n.lock)
	go n.run()
	return n
}

func (n *notifier) post(fn func()) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if n.closed {
		return
	}
	n.queue = append(n.queue, fn)
	n.cond.Signal()
}

func (n *notifier) close() {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.closed = true
	n.cond.Broadcast()
}

func (n *notifier) run() {
	for {
		n.lock.Lock()
		for len(n.queue) == 0 && !n.closed {
			n.cond.Wait()
		}
		if len(n.queue) == 0 {
			n.lock.Unlock()
			return
		}
		fn := n.queue[0]
		n.queue[0] = nil
		n.queue = n.queue[1:]
		n.lock.Unlock()
		fn()
	}
}
