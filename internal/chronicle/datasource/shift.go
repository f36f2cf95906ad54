package datasource

import (
	"fmt"

	"github.com/dshills/chronicle/internal/chronicle/agent"
)

type offsetSource struct {
	inner  DataSource
	offset int64
}

// NewOffset returns a source whose byte 0 is byte offset of src. An offset
// of zero returns src itself.
func NewOffset(src DataSource, offset int64) DataSource {
	if offset == 0 {
		return src
	}
	return &offsetSource{inner: src, offset: offset}
}

func (o *offsetSource) TStamp() int64           { return o.inner.TStamp() }
func (o *offsetSource) Session() *agent.Session { return o.inner.Session() }

func (o *offsetSource) Read(offset int64, length int, sink Sink) {
	o.inner.Read(offset+o.offset, length, sink)
}

func (o *offsetSource) AtTime(tstamp int64) DataSource {
	return &offsetSource{inner: o.inner.AtTime(tstamp), offset: o.offset}
}

func (o *offsetSource) FindNextChange(start, length int64, fn func(Change)) {
	o.inner.FindNextChange(start+o.offset, length, fn)
}

func (o *offsetSource) FindPreviousChange(start, length int64, fn func(Change)) {
	o.inner.FindPreviousChange(start+o.offset, length, fn)
}

// shiftSource reads starting shift bits into the first byte, 0 < shift < 8.
type shiftSource struct {
	inner DataSource
	shift uint
}

// NewShift returns a source whose bit 0 is bit bits of src. Whole bytes
// fold into an offset; a byte-aligned shift allocates no shifter.
func NewShift(src DataSource, bits int64) (DataSource, error) {
	if bits < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativeShift, bits)
	}
	src = NewOffset(src, bits/8)
	if bits%8 == 0 {
		return src, nil
	}
	return &shiftSource{inner: src, shift: uint(bits % 8)}, nil
}

func (s *shiftSource) TStamp() int64           { return s.inner.TStamp() }
func (s *shiftSource) Session() *agent.Session { return s.inner.Session() }

// Read fetches one extra byte. Result byte i takes its low bits from source
// byte i and its high bits from byte i+1, so it is valid only if both are.
func (s *shiftSource) Read(offset int64, length int, sink Sink) {
	s.inner.Read(offset, length+1, func(data []byte, valid []bool) {
		out := make([]byte, length)
		ok := make([]bool, length)
		for i := range out {
			out[i] = data[i]>>s.shift | data[i+1]<<(8-s.shift)
			ok[i] = valid[i] && valid[i+1]
		}
		sink(out, ok)
	})
}

func (s *shiftSource) AtTime(tstamp int64) DataSource {
	return &shiftSource{inner: s.inner.AtTime(tstamp), shift: s.shift}
}

func (s *shiftSource) FindNextChange(start, length int64, fn func(Change)) {
	s.inner.FindNextChange(start, length+1, fn)
}

func (s *shiftSource) FindPreviousChange(start, length int64, fn func(Change)) {
	s.inner.FindPreviousChange(start, length+1, fn)
}
