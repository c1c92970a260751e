package media

import (
	"context"
	"sync"
)

// StaticSource serves media from a fixed in-memory table.
type StaticSource struct {
	mu      sync.Mutex
	entries map[string]Media // by species code
	err     error
	calls   int
}

// NewStaticSource creates a source answering from entries
func NewStaticSource(entries map[string]Media) *StaticSource {
	if entries == nil {
		entries = make(map[string]Media)
	}
	return &StaticSource{entries: entries}
}

// Name implements Source
func (s *StaticSource) Name() string {
	return "static"
}

// SetError makes every following fetch fail with err (nil restores normal answers)
func (s *StaticSource) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Set replaces the entry for a code
func (s *StaticSource) Set(code string, m Media) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[code] = m
}

// Calls returns the number of fetches served
func (s *StaticSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// FetchMedia implements Source
func (s *StaticSource) FetchMedia(ctx context.Context, code, _ string, want Fields) (Media, error) {
	s.mu.Lock()
	s.calls++
	failWith := s.err
	m, ok := s.entries[code]
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Media{}, err
	}
	if failWith != nil {
		return Media{}, failWith
	}
	if !ok {
		return Media{}, notFound(s.Name(), code)
	}

	out := Media{SpeciesCode: code}
	if want.Has(FieldImage) {
		out.ImageURL, out.ImageRights = m.ImageURL, m.ImageRights
	}
	if want.Has(FieldAudio) {
		out.AudioURL, out.AudioRights = m.AudioURL, m.AudioRights
	}
	if out.Empty() {
		return out, notFound(s.Name(), code)
	}
	return out, nil
}
