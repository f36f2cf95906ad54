package datasource

import (
	"fmt"
	"sync"

	"github.com/dshills/chronicle/internal/chronicle/agent"
)

// MaxVariableRead bounds a single read of a variable.
const MaxVariableRead = 1000000

type variableSource struct {
	session    *agent.Session
	invocation int64
	tstamp     int64
	variable   *agent.Variable

	mu      sync.Mutex
	ready   bool
	pieces  []agent.VariablePiece
	waiting []func()
}

// NewVariable returns the value of v at tstamp. The variable's location is
// fetched once; reads issued before it arrives are queued.
func NewVariable(s *agent.Session, tstamp int64, v *agent.Variable) DataSource {
	return newVariable(s, tstamp, tstamp, v)
}

// newVariable locates v as of invocation and reads its storage at tstamp.
func newVariable(s *agent.Session, invocation, tstamp int64, v *agent.Variable) *variableSource {
	src := &variableSource{session: s, invocation: invocation, tstamp: tstamp, variable: v}
	s.Send(agent.NewGetLocationQuery(s, invocation, v, func(loc agent.Location, complete bool) {
		if !complete {
			s.Logger().Debug("incomplete variable location",
				"variable", v.Identifier.String(), "tstamp", invocation)
		}
		src.located(loc.Pieces)
	}))
	return src
}

func (v *variableSource) located(pieces []agent.VariablePiece) {
	v.mu.Lock()
	v.pieces = pieces
	v.ready = true
	waiting := v.waiting
	v.waiting = nil
	v.mu.Unlock()

	for _, fn := range waiting {
		fn()
	}
}

// whenLocated runs fn once the pieces are known, on the session loop.
func (v *variableSource) whenLocated(fn func()) {
	v.mu.Lock()
	if !v.ready {
		v.waiting = append(v.waiting, fn)
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()
	v.session.RunOnLoop(fn)
}

func (v *variableSource) TStamp() int64           { return v.tstamp }
func (v *variableSource) Session() *agent.Session { return v.session }

func (v *variableSource) AtTime(tstamp int64) DataSource {
	return newVariable(v.session, v.invocation, tstamp, v.variable)
}

// Read panics if length exceeds MaxVariableRead.
func (v *variableSource) Read(offset int64, length int, sink Sink) {
	if length > MaxVariableRead {
		panic(fmt.Sprintf("datasource: variable read of %d bytes", length))
	}
	v.whenLocated(func() {
		v.storage(offset + int64(length)).Read(offset, length, sink)
	})
}

func (v *variableSource) FindNextChange(start, length int64, fn func(Change)) {
	v.whenLocated(func() {
		v.storage(start+length).FindNextChange(start, length, fn)
	})
}

func (v *variableSource) FindPreviousChange(start, length int64, fn func(Change)) {
	v.whenLocated(func() {
		v.storage(start+length).FindPreviousChange(start, length, fn)
	})
}

// storage assembles the pieces into one source covering the first length
// bytes. A piece with no bit length extends to the end.
func (v *variableSource) storage(length int64) DataSource {
	v.mu.Lock()
	pieces := v.pieces
	v.mu.Unlock()

	var elements []Element
	for _, p := range pieces {
		bits := int64(p.BitLength)
		if bits == 0 {
			bits = max(0, length*8-int64(p.BitStart))
		}
		if bits == 0 {
			continue
		}
		elements = append(elements, Element{
			Source:  v.pieceSource(p),
			DestBit: int64(p.BitStart),
			Bits:    bits,
		})
	}
	if len(elements) == 0 {
		return NewInvalid(v.session, v.tstamp)
	}
	src, err := NewConcat(elements)
	if err != nil {
		v.session.Logger().Warn("cannot assemble variable", "variable", v.variable.Identifier.String(), "error", err)
		return NewInvalid(v.session, v.tstamp)
	}
	return src
}

func (v *variableSource) pieceSource(p agent.VariablePiece) DataSource {
	var (
		src DataSource
		err error
	)
	switch p.Kind {
	case agent.PieceMemory:
		src, err = NewShift(NewMemory(v.session, v.tstamp, p.Address), int64(p.AddressBitOffset))
	case agent.PieceRegister:
		src, err = NewShift(NewRegister(v.session, v.tstamp, p.Register), int64(p.RegisterBitOffset))
	case agent.PieceConstant:
		src = NewConstant(v.session, v.tstamp, p.Data)
	default:
		src = NewInvalid(v.session, v.tstamp)
	}
	if err != nil {
		return NewInvalid(v.session, v.tstamp)
	}
	return src
}
