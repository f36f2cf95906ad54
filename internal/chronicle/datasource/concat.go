package datasource

import (
	"fmt"
	"sync"

	"github.com/dshills/chronicle/internal/chronicle/agent"
)

// Element places Bits bits of Source, starting at SourceBit, at DestBit of
// the concatenated value.
type Element struct {
	Source    DataSource
	SourceBit int64
	DestBit   int64
	Bits      int64
}

type concatSource struct {
	elements []Element
}

// NewConcat assembles a value from bit ranges of other sources. All sources
// must share one session and timestamp.
func NewConcat(elements []Element) (DataSource, error) {
	if len(elements) == 0 {
		return nil, ErrEmptyConcat
	}
	first := elements[0].Source
	for i, e := range elements {
		if e.SourceBit < 0 || e.DestBit < 0 || e.Bits < 0 {
			return nil, fmt.Errorf("%w: element %d", ErrNegativeBits, i)
		}
		if e.Source.Session() != first.Session() {
			return nil, fmt.Errorf("%w: element %d has another session", ErrMismatchedSources, i)
		}
		if e.Source.TStamp() != first.TStamp() {
			return nil, fmt.Errorf("%w: element %d at %d, want %d",
				ErrMismatchedSources, i, e.Source.TStamp(), first.TStamp())
		}
	}
	return &concatSource{elements: append([]Element(nil), elements...)}, nil
}

func (c *concatSource) TStamp() int64           { return c.elements[0].Source.TStamp() }
func (c *concatSource) Session() *agent.Session { return c.elements[0].Source.Session() }

func (c *concatSource) AtTime(tstamp int64) DataSource {
	elements := make([]Element, len(c.elements))
	for i, e := range c.elements {
		e.Source = e.Source.AtTime(tstamp)
		elements[i] = e
	}
	return &concatSource{elements: elements}
}

// Read clips every element to the window and reads its bits through a
// shifter so they arrive starting at bit 0.
func (c *concatSource) Read(offset int64, length int, sink Sink) {
	acc := newAccumulator(sink, length)
	window := int64(length) * 8
	for _, e := range c.elements {
		destStart := max(e.DestBit-offset*8, 0)
		destEnd := min(e.DestBit+e.Bits-offset*8, window)
		if destStart >= destEnd {
			continue
		}
		srcBit := destStart + offset*8 - e.DestBit + e.SourceBit
		bits := destEnd - destStart
		src, err := NewShift(e.Source, srcBit%8)
		if err != nil {
			// srcBit is non-negative for validated elements.
			panic(err)
		}
		src.Read(srcBit/8, int((bits+7)/8), acc.add(destStart, bits))
	}
	acc.done(c.Session())
}

func (c *concatSource) FindNextChange(start, length int64, fn func(Change)) {
	c.findChange(start, length, true, fn)
}

func (c *concatSource) FindPreviousChange(start, length int64, fn func(Change)) {
	c.findChange(start, length, false, fn)
}

// findChange asks every element overlapping the window and reports the
// nearest change any of them saw.
func (c *concatSource) findChange(start, length int64, next bool, fn func(Change)) {
	s := c.Session()
	scope := int64(0)
	if next {
		scope = s.EndTStamp()
	}

	type probe struct {
		src        DataSource
		start, end int64
	}
	var probes []probe
	lo, hi := start*8, (start+length)*8
	for _, e := range c.elements {
		from := max(lo, e.DestBit)
		to := min(hi, e.DestBit+e.Bits)
		if from >= to {
			continue
		}
		srcFrom := from - e.DestBit + e.SourceBit
		srcTo := to - e.DestBit + e.SourceBit
		probes = append(probes, probe{e.Source, srcFrom / 8, (srcTo + 7) / 8})
	}
	if len(probes) == 0 {
		endOfScope(s, scope, fn)
		return
	}

	var (
		mu          sync.Mutex
		outstanding = len(probes)
		best        *Change
		unknown     bool
	)
	collect := func(ch Change) {
		mu.Lock()
		switch ch.Kind {
		case ChangeFound:
			if best == nil || (next && ch.TStamp < best.TStamp) || (!next && ch.TStamp > best.TStamp) {
				found := ch
				best = &found
			}
		case ChangeUnknown:
			unknown = true
		}
		outstanding--
		last := outstanding == 0
		mu.Unlock()
		if !last {
			return
		}
		switch {
		case best != nil:
			fn(*best)
		case unknown:
			fn(Change{Kind: ChangeUnknown})
		default:
			fn(Change{Kind: ChangeEndOfScope, TStamp: scope})
		}
	}
	for _, p := range probes {
		if next {
			p.src.FindNextChange(p.start, p.end-p.start, collect)
		} else {
			p.src.FindPreviousChange(p.start, p.end-p.start, collect)
		}
	}
}

// accumulator merges element reads into one buffer. It starts with one
// outstanding load that done releases, so the sink cannot fire before every
// element has been issued.
type accumulator struct {
	sink Sink

	mu          sync.Mutex
	data        []byte
	mask        []byte
	outstanding int
}

func newAccumulator(sink Sink, length int) *accumulator {
	return &accumulator{
		sink:        sink,
		data:        make([]byte, length),
		mask:        make([]byte, length),
		outstanding: 1,
	}
}

func (a *accumulator) add(destStart, bits int64) Sink {
	a.mu.Lock()
	a.outstanding++
	a.mu.Unlock()

	return func(data []byte, valid []bool) {
		a.mu.Lock()
		if destStart%8 == 0 && bits%8 == 0 {
			dst := destStart / 8
			for i := int64(0); i < bits/8; i++ {
				if valid[i] {
					a.data[dst+i] = data[i]
					a.mask[dst+i] = 0xFF
				}
			}
		} else {
			for i := int64(0); i < bits; i++ {
				src := i / 8
				if !valid[src] {
					continue
				}
				bit := (data[src] >> (i % 8)) & 1
				dest := destStart + i
				db := uint(dest % 8)
				a.data[dest/8] = a.data[dest/8]&^(1<<db) | bit<<db
				a.mask[dest/8] |= 1 << db
			}
		}
		a.mu.Unlock()
		a.release()
	}
}

func (a *accumulator) done(s *agent.Session) {
	s.RunOnLoop(a.release)
}

func (a *accumulator) release() {
	a.mu.Lock()
	a.outstanding--
	last := a.outstanding == 0
	a.mu.Unlock()
	if !last {
		return
	}
	valid := make([]bool, len(a.mask))
	for i, m := range a.mask {
		valid[i] = m == 0xFF
	}
	a.sink(a.data, valid)
}
