package store

import "sync"

// notifier fans committed changes out to subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the notification, which
// keeps slow UI observers from stalling the mutation gate.
type notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Change
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]chan Change)}
}

func (n *notifier) subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	ch := make(chan Change, buffer)
	n.subs[id] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if c, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(c)
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

func (n *notifier) publish(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
