package db

import (
	"context"
	"sync"

	"github.com/dztow/backend/internal/realtime"
)

const listenerBuffer = 64

type listener struct {
	ch chan string
	// resync is set while a realtime.Resync marker is the newest queued item.
	resync bool
}

// hub fans change signals out to in-process listeners. The last buffer slot
// is reserved: when a listener falls behind, further keys are replaced by a
// single realtime.Resync marker instead of being lost.
type hub struct {
	mu        sync.Mutex
	listeners map[string]map[chan string]*listener
}

func newHub() *hub {
	return &hub{listeners: make(map[string]map[chan string]*listener)}
}

func (h *hub) listen(ctx context.Context, collection string) <-chan string {
	l := &listener{ch: make(chan string, listenerBuffer)}
	h.mu.Lock()
	if h.listeners[collection] == nil {
		h.listeners[collection] = make(map[chan string]*listener)
	}
	h.listeners[collection][l.ch] = l
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.remove(collection, l.ch)
	}()
	return l.ch
}

func (h *hub) remove(collection string, ch chan string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[collection][ch]; ok {
		delete(h.listeners[collection], ch)
		close(ch)
	}
}

// publish never blocks. Only publish sends and it holds mu, so the queue
// length it observes can only shrink before the send.
func (h *hub) publish(collection, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, l := range h.listeners[collection] {
		switch {
		case len(l.ch) < cap(l.ch)-1:
			l.ch <- key
			l.resync = false
		case !l.resync:
			l.ch <- realtime.Resync
			l.resync = true
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for collection, set := range h.listeners {
		for ch := range set {
			close(ch)
		}
		delete(h.listeners, collection)
	}
}
