package mux

import (
	"errors"
	"sync"
)

// ErrStreamExists is returned when inserting a stream id that is
// already live on the connection.
var ErrStreamExists = errors.New("stream id already registered")

// Registry maps live stream ids to their streams. An entry is created
// when a stream opens (server accept or agent backend dial) and removed
// when either side closes the stream or the multiplexer tears down.
type Registry struct {
	mu      sync.Mutex
	streams map[uint32]*Stream
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		streams: make(map[uint32]*Stream),
	}
}

// Insert adds a stream under id. At most one live stream may exist per
// id per connection.
func (r *Registry) Insert(id uint32, s *Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.streams[id]; ok {
		return ErrStreamExists
	}
	r.streams[id] = s
	return nil
}

// Get returns the stream registered under id, or nil.
func (r *Registry) Get(id uint32) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[id]
}

// Remove deletes and returns the stream registered under id, or nil if
// the id is unknown. Removing an already-removed id is a no-op.
func (r *Registry) Remove(id uint32) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.streams[id]
	delete(r.streams, id)
	return s
}

// Drain removes and returns all registered streams. Used on
// multiplexer teardown.
func (r *Registry) Drain() []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()

	streams := make([]*Stream, 0, len(r.streams))
	for id, s := range r.streams {
		streams = append(streams, s)
		delete(r.streams, id)
	}
	return streams
}

// Len returns the number of live streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
