package eventbus

import "sync"

// Recorded is one captured emission.
type Recorded struct {
	Name    string
	Payload Payload
}

// Recorder stores every event seen on a bus in memory. Useful in tests and
// for per-request capture (the generate route collects warnings this way).
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
	stop   func()
}

// NewRecorder subscribes a recorder to every event on b.
func NewRecorder(b *Bus) *Recorder {
	r := &Recorder{}
	r.stop = b.SubscribeAny(func(name string, p Payload) {
		r.mu.Lock()
		r.events = append(r.events, Recorded{Name: name, Payload: p})
		r.mu.Unlock()
	})
	return r
}

// Close unsubscribes the recorder.
func (r *Recorder) Close() {
	if r.stop != nil {
		r.stop()
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the payloads of events called name, in emission order.
func (r *Recorder) Named(name string) []Payload {
	var out []Payload
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e.Payload)
		}
	}
	return out
}

// Count returns how many events called name were recorded.
func (r *Recorder) Count(name string) int { return len(r.Named(name)) }

// Names returns the event names in emission order.
func (r *Recorder) Names() []string {
	ev := r.Events()
	out := make([]string, len(ev))
	for i, e := range ev {
		out[i] = e.Name
	}
	return out
}
