// Package stats keeps named byte counters for every relay stream.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Handle counts bytes moved by one named stream.
type Handle struct {
	name     string
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// AddIn credits bytes received from the remote side.
func (h *Handle) AddIn(n int) {
	if h == nil || n <= 0 {
		return
	}
	h.bytesIn.Add(uint64(n))
}

// AddOut credits bytes sent to the remote side.
func (h *Handle) AddOut(n int) {
	if h == nil || n <= 0 {
		return
	}
	h.bytesOut.Add(uint64(n))
}

// Name returns the stream name the handle was registered under.
func (h *Handle) Name() string {
	if h == nil {
		return ""
	}
	return h.name
}

// Totals returns the current in/out byte counts.
func (h *Handle) Totals() (in, out uint64) {
	if h == nil {
		return 0, 0
	}
	return h.bytesIn.Load(), h.bytesOut.Load()
}

// Registry is the process-wide set of stream counters.
type Registry struct {
	handles sync.Map // map[string]*Handle
}

// NewRegistry creates an empty counter registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Stream returns the counter handle for name, creating it on first use.
func (r *Registry) Stream(name string) *Handle {
	if h, ok := r.handles.Load(name); ok {
		return h.(*Handle)
	}
	actual, _ := r.handles.LoadOrStore(name, &Handle{name: name})
	return actual.(*Handle)
}

// StreamTotals is one row of a registry snapshot.
type StreamTotals struct {
	Name     string `json:"name"`
	BytesIn  uint64 `json:"bytes_in"`
	BytesOut uint64 `json:"bytes_out"`
}

// Snapshot exposes a stable copy of all counters, sorted by name.
func (r *Registry) Snapshot() []StreamTotals {
	var out []StreamTotals
	r.handles.Range(func(_, value any) bool {
		h := value.(*Handle)
		in, sent := h.Totals()
		out = append(out, StreamTotals{Name: h.name, BytesIn: in, BytesOut: sent})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
