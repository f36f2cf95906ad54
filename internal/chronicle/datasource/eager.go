package datasource

import (
	"sync"

	"github.com/dshills/chronicle/internal/chronicle/agent"
)

type readRequest struct {
	offset int64
	length int
	sink   Sink
}

type eagerSource struct {
	inner  DataSource
	length int

	mu     sync.Mutex
	ready  bool
	data   []byte
	valid  []bool
	queued []readRequest
}

// NewEager snapshots the first length bytes of src with one read and serves
// every later read from the snapshot. Reads issued before the snapshot
// arrives are queued.
func NewEager(src DataSource, length int) DataSource {
	e := &eagerSource{inner: src, length: length}
	src.Read(0, length, e.loaded)
	return e
}

func (e *eagerSource) loaded(data []byte, valid []bool) {
	e.mu.Lock()
	e.data, e.valid = data, valid
	e.ready = true
	queued := e.queued
	e.queued = nil
	e.mu.Unlock()

	for _, r := range queued {
		e.serve(r.offset, r.length, r.sink)
	}
}

func (e *eagerSource) serve(offset int64, length int, sink Sink) {
	out := make([]byte, length)
	ok := make([]bool, length)
	if offset >= 0 && offset < int64(e.length) {
		n := copy(out, e.data[offset:])
		copy(ok[:n], e.valid[offset:])
	}
	sink(out, ok)
}

func (e *eagerSource) TStamp() int64           { return e.inner.TStamp() }
func (e *eagerSource) Session() *agent.Session { return e.inner.Session() }

func (e *eagerSource) Read(offset int64, length int, sink Sink) {
	e.mu.Lock()
	if !e.ready {
		e.queued = append(e.queued, readRequest{offset, length, sink})
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.Session().RunOnLoop(func() { e.serve(offset, length, sink) })
}

func (e *eagerSource) AtTime(tstamp int64) DataSource {
	return NewEager(e.inner.AtTime(tstamp), e.length)
}

func (e *eagerSource) FindNextChange(start, length int64, fn func(Change)) {
	e.inner.FindNextChange(start, length, fn)
}

func (e *eagerSource) FindPreviousChange(start, length int64, fn func(Change)) {
	e.inner.FindPreviousChange(start, length, fn)
}
