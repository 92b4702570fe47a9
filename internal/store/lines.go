package store

import (
	"time"

	"github.com/reedfamily/cs2instance/internal/metrics"
)

// Source names where a live line came from.
type Source string

const (
	SourceServer Source = "server"
	SourceUpdate Source = "update"
	SourceSystem Source = "system"
)

// Line is one log line as pushed to live subscribers.
type Line struct {
	Source Source `json:"source"`
	// Ref is the start id, the update id or the logging component.
	Ref     string    `json:"ref,omitempty"`
	Level   string    `json:"level,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type lineStream struct {
	ch      chan Line
	sources map[Source]bool
}

// Lines subscribes to live lines from sources, or from every source when none are given.
// Lines are dropped while the channel is full. The returned func unsubscribes and closes
// the channel; it is safe to call more than once.
func (s *Sink) Lines(buffer int, sources ...Source) (<-chan Line, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ls := &lineStream{ch: make(chan Line, buffer)}
	if len(sources) > 0 {
		ls.sources = make(map[Source]bool, len(sources))
		for _, src := range sources {
			ls.sources[src] = true
		}
	}

	s.linesMu.Lock()
	if s.linesClosed {
		s.linesMu.Unlock()
		close(ls.ch)
		return ls.ch, func() {}
	}
	s.streams[ls] = struct{}{}
	s.linesMu.Unlock()

	return ls.ch, func() {
		s.linesMu.Lock()
		defer s.linesMu.Unlock()
		if _, ok := s.streams[ls]; ok {
			delete(s.streams, ls)
			close(ls.ch)
		}
	}
}

func (s *Sink) publishLine(l Line) {
	s.linesMu.RLock()
	defer s.linesMu.RUnlock()
	for ls := range s.streams {
		if ls.sources != nil && !ls.sources[l.Source] {
			continue
		}
		select {
		case ls.ch <- l:
		default:
			metrics.LineDropsTotal.WithLabelValues(string(l.Source)).Inc()
		}
	}
}

func (s *Sink) closeLines() {
	s.linesMu.Lock()
	defer s.linesMu.Unlock()
	s.linesClosed = true
	for ls := range s.streams {
		delete(s.streams, ls)
		close(ls.ch)
	}
}
