package agent

import (
	"fmt"
	"math"

	"github.com/dshills/chronicle/internal/chronicle/wire"
)

// ReadMemQuery reads memory over one or more ranges at one timestamp. The
// result is a single buffer holding the ranges back to back, with a
// parallel validity mask.
type ReadMemQuery struct {
	queryBase
	ranges []MemRange
	data   []byte
	valid  []bool
	onDone func(data []byte, valid []bool, complete bool)
}

// NewReadMemQuery creates a readMem query. It fails if the ranges add up to
// more than math.MaxInt32 bytes.
func NewReadMemQuery(s *Session, tstamp int64, ranges []MemRange,
	onDone func(data []byte, valid []bool, complete bool)) (*ReadMemQuery, error) {
	var total int64
	for _, r := range ranges {
		total += r.Length()
		if total > math.MaxInt32 {
			return nil, fmt.Errorf("%w: %d bytes requested", ErrReadTooLarge, total)
		}
	}

	q := &ReadMemQuery{
		queryBase: newQueryBase(s, "readMem"),
		ranges:    ranges,
		data:      make([]byte, total),
		valid:     make([]bool, total),
		onDone:    onDone,
	}
	q.req.Set("TStamp", tstamp).SetRanges("ranges", Spans(ranges))
	return q, nil
}

func (q *ReadMemQuery) handleResult(msg wire.Message) error {
	hex, ok := msg.String("bytes")
	if !ok {
		return nil
	}
	got, err := ParseMemRange(msg)
	if err != nil {
		return err
	}
	bytes, err := wire.ParseHexBytes(hex)
	if err != nil {
		return err
	}
	if int64(len(bytes)) < got.Length() {
		return &ValueError{Field: "bytes", Value: len(bytes),
			Err: fmt.Errorf("shorter than length %d", got.Length())}
	}

	var offset int64
	for _, r := range q.ranges {
		if in, ok := r.Intersect(got); ok {
			dst := offset + in.Start() - r.Start()
			src := in.Start() - got.Start()
			n := in.Length()
			copy(q.data[dst:dst+n], bytes[src:src+n])
			for i := dst; i < dst+n; i++ {
				q.valid[i] = true
			}
		}
		offset += r.Length()
	}
	return nil
}

func (q *ReadMemQuery) handleDone(complete bool) {
	q.onDone(q.data, q.valid, complete)
}

// ReadRegQuery reads registers at one timestamp.
type ReadRegQuery struct {
	queryBase
	values RegisterValues
	onDone func(values RegisterValues, complete bool)
}

// NewReadRegQuery creates a readReg query asking for bits bits of each
// named register.
func NewReadRegQuery(s *Session, tstamp int64, registers []string, bits int,
	onDone func(values RegisterValues, complete bool)) *ReadRegQuery {
	q := &ReadRegQuery{queryBase: newQueryBase(s, "readReg"), onDone: onDone}
	q.req.Set("TStamp", tstamp)
	for _, r := range registers {
		q.req.Set(r, bits)
	}
	return q
}

func (q *ReadRegQuery) handleResult(msg wire.Message) error {
	more := ParseRegisterValues(msg)
	q.values.values = append(q.values.values, more.values...)
	return nil
}

func (q *ReadRegQuery) handleDone(complete bool) {
	q.onDone(q.values, complete)
}
