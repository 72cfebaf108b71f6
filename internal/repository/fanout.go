package repository

import (
	"context"
	"sync"
)

// Fanout distributes events to synchronous observers and asynchronous subscribers.
// Repository implementations embed it.
type Fanout struct {
	mu        sync.Mutex
	nextID    int
	observers map[int]observer
	subs      map[int]*subscriber
	closed    bool
}

type observer struct {
	root string
	fn   func(Event)
}

// NewFanout creates an empty fanout.
func NewFanout() *Fanout {
	return &Fanout{
		observers: make(map[int]observer),
		subs:      make(map[int]*subscriber),
	}
}

// Observe registers a synchronous listener scoped to root.
func (f *Fanout) Observe(root string, fn func(Event)) (cancel func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	f.observers[id] = observer{root: Clean(root), fn: fn}

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.observers, id)
	}
}

// Subscribe registers an asynchronous consumer scoped to root.
func (f *Fanout) Subscribe(ctx context.Context, root string) (<-chan Event, func(), error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, nil, ErrUnavailable
	}
	id := f.nextID
	f.nextID++
	s := newSubscriber(Clean(root))
	f.subs[id] = s
	f.mu.Unlock()

	go s.run()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			s.stop()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-s.done:
		}
	}()

	return s.out, cancel, nil
}

// NotifySync runs the synchronous observers for each event, on the caller's goroutine.
func (f *Fanout) NotifySync(events []Event) {
	f.mu.Lock()
	obs := make([]observer, 0, len(f.observers))
	for _, o := range f.observers {
		obs = append(obs, o)
	}
	f.mu.Unlock()

	for _, ev := range events {
		for _, o := range obs {
			if Within(o.root, ev.Path) {
				o.fn(ev)
			}
		}
	}
}

// Publish queues each event for every matching asynchronous subscriber.
func (f *Fanout) Publish(events []Event) {
	f.mu.Lock()
	subs := make([]*subscriber, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, ev := range events {
		for _, s := range subs {
			if Within(s.root, ev.Path) {
				s.push(ev)
			}
		}
	}
}

// Resync tells every subscriber that anything below its root may have changed, for use
// after notifications could have been missed. The events are watermarks carrying origin,
// which should be the repository's own origin so that local waiters are released.
func (f *Fanout) Resync(origin string) {
	f.mu.Lock()
	subs := make([]*subscriber, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.push(Event{Type: NodeChanged, Path: s.root, Origin: origin, Watermark: true})
	}
}

// Close ends every subscription.
func (f *Fanout) Close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[int]*subscriber)
	f.closed = true
	f.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

// subscriber owns an unbounded queue so that a slow consumer never blocks writers
// and never loses events.
type subscriber struct {
	root   string
	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

func newSubscriber(root string) *subscriber {
	return &subscriber{
		root:   root,
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
