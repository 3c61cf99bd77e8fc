// Package status composes per-component connection state into one
// device-level indication, mirroring the multi-source status LED of the
// hardware build. Sources are addressed only by handle; rendering goes
// through a pluggable sink so tests and headless builds can observe it.
package status

import (
	"sync"
	"time"

	"github.com/ntripduo/ntripduo/internal/config"
)

// Mode selects how a source renders while active.
type Mode int

const (
	Static Mode = iota
	Fade
	Flash
)

// Source is one registered indication: a color, a mode and an active flag.
type Source struct {
	ind   *Indicator
	name  string
	color config.Color
	mode  Mode
	seq   uint64
	on    bool
}

// SetActive toggles the source and re-renders the composite indication.
func (s *Source) SetActive(active bool) {
	if s == nil {
		return
	}
	s.ind.mu.Lock()
	s.on = active
	if active {
		s.ind.seq++
		s.seq = s.ind.seq
	}
	s.ind.renderLocked()
	s.ind.mu.Unlock()
}

// Active reports the source's flag.
func (s *Source) Active() bool {
	if s == nil {
		return false
	}
	s.ind.mu.Lock()
	defer s.ind.mu.Unlock()
	return s.on
}

// Render receives the composite indication every time it changes. A nil
// color pointer means all sources are inactive.
type Render func(name string, color config.Color, mode Mode, active bool)

// Indicator is the compositor. The most recently activated source wins.
type Indicator struct {
	mu      sync.Mutex
	sources []*Source
	seq     uint64
	render  Render
}

// New creates an indicator rendering through fn. A nil fn discards output.
func New(fn Render) *Indicator {
	return &Indicator{render: fn}
}

// Add registers a named source. A zero color returns nil, matching the
// hardware behavior of "no LED configured"; all Source methods accept a
// nil receiver.
func (ind *Indicator) Add(name string, color config.Color, mode Mode) *Source {
	if color == 0 {
		return nil
	}
	ind.mu.Lock()
	defer ind.mu.Unlock()
	src := &Source{ind: ind, name: name, color: color, mode: mode}
	ind.sources = append(ind.sources, src)
	return src
}

// Pulse activates a source for the given duration, used for the abnormal
// reset indication at startup.
func (ind *Indicator) Pulse(name string, color config.Color, mode Mode, d time.Duration) {
	src := ind.Add(name, color, mode)
	if src == nil {
		return
	}
	src.SetActive(true)
	time.AfterFunc(d, func() { src.SetActive(false) })
}

func (ind *Indicator) renderLocked() {
	if ind.render == nil {
		return
	}
	var top *Source
	for _, src := range ind.sources {
		if src.on && (top == nil || src.seq > top.seq) {
			top = src
		}
	}
	if top == nil {
		ind.render("", 0, Static, false)
		return
	}
	ind.render(top.name, top.color, top.mode, true)
}
