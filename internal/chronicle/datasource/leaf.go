package datasource

import (
	"fmt"
	"math"

	"github.com/dshills/chronicle/internal/chronicle/agent"
)

type memorySource struct {
	session *agent.Session
	tstamp  int64
	address int64
}

// NewMemory returns process memory starting at address.
func NewMemory(s *agent.Session, tstamp, address int64) DataSource {
	return &memorySource{session: s, tstamp: tstamp, address: address}
}

func (m *memorySource) TStamp() int64           { return m.tstamp }
func (m *memorySource) Session() *agent.Session { return m.session }

func (m *memorySource) AtTime(tstamp int64) DataSource {
	return &memorySource{session: m.session, tstamp: tstamp, address: m.address}
}

// Read panics if length exceeds math.MaxInt32.
func (m *memorySource) Read(offset int64, length int, sink Sink) {
	if int64(length) > math.MaxInt32 {
		panic(fmt.Sprintf("datasource: memory read of %d bytes", length))
	}
	r := agent.MustMemRange(m.address+offset, int64(length))
	q, err := agent.NewReadMemQuery(m.session, m.tstamp, []agent.MemRange{r},
		func(data []byte, valid []bool, _ bool) {
			sink(data, valid)
		})
	if err != nil {
		panic(fmt.Sprintf("datasource: %v", err))
	}
	m.session.Send(q)
}

// FindNextChange scans forward for the first write to the range. Writes at
// the nearest timestamp are folded into one range.
func (m *memorySource) FindNextChange(start, length int64, fn func(Change)) {
	s := m.session
	m.scan(s.EndTStamp(), m.tstamp+1, s.EndTStamp(), start, length, agent.TerminationFirst,
		func(t, best int64) bool { return t < best }, fn)
}

// FindPreviousChange scans backward for the last write to the range at or
// before the source's timestamp.
func (m *memorySource) FindPreviousChange(start, length int64, fn func(Change)) {
	m.scan(0, 0, m.tstamp+1, start, length, agent.TerminationLast,
		func(t, best int64) bool { return t > best }, fn)
}

func (m *memorySource) scan(scope, begin, end, start, length int64, term agent.Termination,
	nearer func(t, best int64) bool, fn func(Change)) {
	r, err := agent.NewMemRange(m.address+start, length)
	if err != nil || begin >= end {
		endOfScope(m.session, scope, fn)
		return
	}

	var best *Change
	q := agent.NewScanQuery(m.session, agent.MapMemWrite, begin, end, []agent.MemRange{r}, term,
		func(hit agent.ScanResult) {
			switch {
			case best == nil || nearer(hit.TStamp, best.TStamp):
				best = &Change{Kind: ChangeFound, TStamp: hit.TStamp, Range: hit.Range}
			case hit.TStamp == best.TStamp:
				best.Range = best.Range.Union(hit.Range)
			}
		},
		func(bool) {
			if best == nil {
				fn(Change{Kind: ChangeEndOfScope, TStamp: scope})
				return
			}
			fn(*best)
		})
	m.session.Send(q)
}

type registerSource struct {
	session  *agent.Session
	tstamp   int64
	register string
}

// NewRegister returns the bytes of a register, least significant first.
// Bytes beyond the register's width read as invalid.
func NewRegister(s *agent.Session, tstamp int64, register string) DataSource {
	return &registerSource{session: s, tstamp: tstamp, register: register}
}

func (r *registerSource) TStamp() int64           { return r.tstamp }
func (r *registerSource) Session() *agent.Session { return r.session }

func (r *registerSource) AtTime(tstamp int64) DataSource {
	return &registerSource{session: r.session, tstamp: tstamp, register: r.register}
}

func (r *registerSource) Read(offset int64, length int, sink Sink) {
	if offset < 0 || offset+int64(length) > math.MaxInt32/8 {
		invalidRead(r.session, length, sink)
		return
	}
	bits := int(offset+int64(length)) * 8
	r.session.Send(agent.NewReadRegQuery(r.session, r.tstamp, []string{r.register}, bits,
		func(values agent.RegisterValues, _ bool) {
			out := make([]byte, length)
			ok := make([]bool, length)
			if v, found := values.Get(r.register); found {
				b := v.Bytes()
				for i := range out {
					j := offset + int64(i)
					if j >= int64(len(b)) {
						break
					}
					out[i] = b[j]
					ok[i] = true
				}
			}
			sink(out, ok)
		}))
}

// FindNextChange reports ChangeUnknown: the protocol has no register-change
// scan.
func (r *registerSource) FindNextChange(_, _ int64, fn func(Change)) {
	changeUnknown(r.session, fn)
}

func (r *registerSource) FindPreviousChange(_, _ int64, fn func(Change)) {
	changeUnknown(r.session, fn)
}

type constantSource struct {
	session *agent.Session
	tstamp  int64
	data    []byte
}

// NewConstant returns a source serving data. Reads past its end are
// invalid.
func NewConstant(s *agent.Session, tstamp int64, data []byte) DataSource {
	return &constantSource{session: s, tstamp: tstamp, data: data}
}

func (c *constantSource) TStamp() int64           { return c.tstamp }
func (c *constantSource) Session() *agent.Session { return c.session }

func (c *constantSource) AtTime(tstamp int64) DataSource {
	return &constantSource{session: c.session, tstamp: tstamp, data: c.data}
}

func (c *constantSource) Read(offset int64, length int, sink Sink) {
	out := make([]byte, length)
	ok := make([]bool, length)
	if offset >= 0 && offset < int64(len(c.data)) {
		n := copy(out, c.data[offset:])
		for i := 0; i < n; i++ {
			ok[i] = true
		}
	}
	deliver(c.session, sink, out, ok)
}

func (c *constantSource) FindNextChange(_, _ int64, fn func(Change)) {
	endOfScope(c.session, c.session.EndTStamp(), fn)
}

func (c *constantSource) FindPreviousChange(_, _ int64, fn func(Change)) {
	endOfScope(c.session, 0, fn)
}

type invalidSource struct {
	session *agent.Session
	tstamp  int64
}

// NewInvalid returns a source whose every byte is present but invalid. It
// stands for optimized-out or erroneous storage.
func NewInvalid(s *agent.Session, tstamp int64) DataSource {
	return &invalidSource{session: s, tstamp: tstamp}
}

func (v *invalidSource) TStamp() int64           { return v.tstamp }
func (v *invalidSource) Session() *agent.Session { return v.session }

func (v *invalidSource) AtTime(tstamp int64) DataSource {
	return &invalidSource{session: v.session, tstamp: tstamp}
}

func (v *invalidSource) Read(_ int64, length int, sink Sink) {
	invalidRead(v.session, length, sink)
}

func (v *invalidSource) FindNextChange(_, _ int64, fn func(Change)) {
	endOfScope(v.session, v.session.EndTStamp(), fn)
}

func (v *invalidSource) FindPreviousChange(_, _ int64, fn func(Change)) {
	endOfScope(v.session, 0, fn)
}
