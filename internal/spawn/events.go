package spawn

import "sync"

// Event is one progress update for an in-flight spawn. Progress is
// monotonically increasing 0-100; the terminal event has Ready or Failed
// set, and Ready events carry the final URL.
type Event struct {
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Ready    bool   `json:"ready,omitempty"`
	Failed   bool   `json:"failed,omitempty"`
	URL      string `json:"url,omitempty"`
	// HTMLMessage optionally carries launcher-provided markup for the
	// spawn-pending page.
	HTMLMessage string `json:"html_message,omitempty"`
}

// Terminal reports whether no further events will follow.
func (e Event) Terminal() bool {
	return e.Ready || e.Failed
}

// subscriber channels are buffered; a slow consumer loses intermediate
// events rather than blocking the state machine.
const subscriberBuffer = 16

// progressHub fans one spawn's events out to any number of subscribers and
// remembers the last event so late subscribers can catch up.
type progressHub struct {
	mu       sync.Mutex
	subs     map[chan Event]struct{}
	last     *Event
	terminal *Event
}

func newProgressHub() *progressHub {
	return &progressHub{subs: make(map[chan Event]struct{})}
}

// emit delivers an event to all subscribers. Progress never goes backwards:
// an event with lower progress than the last is lifted to it. On a terminal
// event all subscriber channels are closed.
func (h *progressHub) emit(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.terminal != nil {
		return
	}
	if h.last != nil && ev.Progress < h.last.Progress {
		ev.Progress = h.last.Progress
	}
	h.last = &ev
	if ev.Terminal() {
		h.terminal = &ev
	}

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
		if ev.Terminal() {
			close(ch)
			delete(h.subs, ch)
		}
	}
}

// subscribe attaches a consumer. A subscriber joining after the terminal
// event receives exactly that one event; one joining mid-spawn first gets
// the most recent event. The returned cancel is safe to call more than once.
func (h *progressHub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)

	if h.terminal != nil {
		ch <- *h.terminal
		close(ch)
		return ch, func() {}
	}

	if h.last != nil {
		ch <- *h.last
	}
	h.subs[ch] = struct{}{}

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}
