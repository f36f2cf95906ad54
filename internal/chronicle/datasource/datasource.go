// Package datasource reads program state at a trace timestamp through
// composable, bit-addressable sources. Leaves read memory, registers or
// constants; decorators offset, shift and concatenate other sources.
//
// Every Sink and change callback runs on the session loop.
package datasource

import (
	"errors"

	"github.com/dshills/chronicle/internal/chronicle/agent"
)

var (
	// ErrNegativeShift is returned for a negative bit shift.
	ErrNegativeShift = errors.New("negative shift")

	// ErrEmptyConcat is returned when concatenating no elements.
	ErrEmptyConcat = errors.New("empty concatenation")

	// ErrMismatchedSources is returned when concatenated sources disagree on
	// session or timestamp.
	ErrMismatchedSources = errors.New("mismatched sources")

	// ErrNegativeBits is returned for an element with a negative bit
	// position or length.
	ErrNegativeBits = errors.New("negative bit position")
)

// Sink receives the bytes of a read and which of them are known.
type Sink func(data []byte, valid []bool)

// ChangeKind classifies the answer to a change search.
type ChangeKind int

// Change kinds.
const (
	// ChangeFound reports the nearest change.
	ChangeFound ChangeKind = iota

	// ChangeEndOfScope reports that nothing changes before the end of the
	// searched direction; TStamp is that end.
	ChangeEndOfScope

	// ChangeUnknown reports that the source cannot track changes.
	ChangeUnknown
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeFound:
		return "found"
	case ChangeEndOfScope:
		return "end-of-scope"
	case ChangeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Change is the result of FindNextChange or FindPreviousChange.
type Change struct {
	Kind   ChangeKind
	TStamp int64

	// Range is what changed, for ChangeFound, in the coordinates of the
	// leaf that saw it.
	Range agent.MemRange
}

// DataSource is readable program state at one timestamp.
type DataSource interface {
	TStamp() int64
	Session() *agent.Session

	// Read delivers length bytes starting at offset to sink.
	Read(offset int64, length int, sink Sink)

	// AtTime returns the same source at another timestamp.
	AtTime(tstamp int64) DataSource

	// FindNextChange reports the first change to [start, start+length)
	// after the source's timestamp.
	FindNextChange(start, length int64, fn func(Change))

	// FindPreviousChange reports the last change to [start, start+length)
	// at or before the source's timestamp.
	FindPreviousChange(start, length int64, fn func(Change))
}

// deliver runs sink on the session loop.
func deliver(s *agent.Session, sink Sink, data []byte, valid []bool) {
	s.RunOnLoop(func() { sink(data, valid) })
}

func invalidRead(s *agent.Session, length int, sink Sink) {
	deliver(s, sink, make([]byte, length), make([]bool, length))
}

func endOfScope(s *agent.Session, tstamp int64, fn func(Change)) {
	s.RunOnLoop(func() { fn(Change{Kind: ChangeEndOfScope, TStamp: tstamp}) })
}

func changeUnknown(s *agent.Session, fn func(Change)) {
	s.RunOnLoop(func() { fn(Change{Kind: ChangeUnknown}) })
}

// AllValid reports whether every byte of a read is known.
func AllValid(valid []bool) bool {
	for _, v := range valid {
		if !v {
			return false
		}
	}
	return true
}
