package agent

import (
	"fmt"
	"sort"

	"github.com/dshills/chronicle/internal/chronicle/wire"
)

// MemRange is a half-open address interval [Start, End).
type MemRange struct {
	start int64
	end   int64
}

// NewMemRange creates the range [start, start+length).
func NewMemRange(start, length int64) (MemRange, error) {
	if length < 0 {
		return MemRange{}, fmt.Errorf("%w: %d", ErrNegativeLength, length)
	}
	return MemRange{start: start, end: start + length}, nil
}

// MustMemRange is like NewMemRange but panics on a negative length.
func MustMemRange(start, length int64) MemRange {
	r, err := NewMemRange(start, length)
	if err != nil {
		panic(err)
	}
	return r
}

// Start returns the first address.
func (r MemRange) Start() int64 { return r.start }

// End returns one past the last address.
func (r MemRange) End() int64 { return r.end }

// Length returns End-Start.
func (r MemRange) Length() int64 { return r.end - r.start }

// IsEmpty reports whether the range has no addresses.
func (r MemRange) IsEmpty() bool { return r.start == r.end }

// Contains reports whether addr lies in the range.
func (r MemRange) Contains(addr int64) bool {
	return addr >= r.start && addr < r.end
}

// Intersect returns the overlap of r and o. ok is false if they do not overlap.
func (r MemRange) Intersect(o MemRange) (MemRange, bool) {
	start := max(r.start, o.start)
	end := min(r.end, o.end)
	if start >= end {
		return MemRange{}, false
	}
	return MemRange{start: start, end: end}, true
}

// Union returns the smallest range containing both r and o.
func (r MemRange) Union(o MemRange) MemRange {
	return MemRange{start: min(r.start, o.start), end: max(r.end, o.end)}
}

// Span returns the wire form of the range.
func (r MemRange) Span() wire.Span {
	return wire.Span{Start: r.start, Length: r.Length()}
}

// String implements fmt.Stringer.
func (r MemRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.start, r.end)
}

// ParseMemRange decodes a {start,length} object.
func ParseMemRange(m wire.Message) (MemRange, error) {
	start, err := m.RequiredInt("start")
	if err != nil {
		return MemRange{}, err
	}
	length, err := m.RequiredInt("length")
	if err != nil {
		return MemRange{}, err
	}
	return NewMemRange(start, length)
}

// ParseMemRanges decodes an optional array of {start,length} objects.
func ParseMemRanges(m wire.Message, key string) ([]MemRange, error) {
	objs, _, err := m.Objects(key)
	if err != nil {
		return nil, err
	}
	ranges := make([]MemRange, 0, len(objs))
	for _, o := range objs {
		r, err := ParseMemRange(o)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

// Spans converts ranges to their wire form.
func Spans(ranges []MemRange) []wire.Span {
	spans := make([]wire.Span, len(ranges))
	for i, r := range ranges {
		spans[i] = r.Span()
	}
	return spans
}

// SortByStart sorts ranges by ascending start address.
func SortByStart(ranges []MemRange) {
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].start != ranges[j].start {
			return ranges[i].start < ranges[j].start
		}
		return ranges[i].end < ranges[j].end
	})
}
