package agent

import (
	"github.com/dshills/chronicle/internal/chronicle/wire"
)

// Location is the storage of a variable at one timestamp.
type Location struct {
	Pieces []VariablePiece

	// ValidFor lists the instruction ranges over which the location stays
	// correct. Nil if the agent did not say.
	ValidFor []MemRange
}

// GetLocationQuery resolves a variable's value key into pieces.
type GetLocationQuery struct {
	queryBase
	loc    Location
	onDone func(loc Location, complete bool)
}

// NewGetLocationQuery creates a getLocation query for v at tstamp.
func NewGetLocationQuery(s *Session, tstamp int64, v *Variable,
	onDone func(loc Location, complete bool)) *GetLocationQuery {
	q := &GetLocationQuery{queryBase: newQueryBase(s, "getLocation"), onDone: onDone}
	q.req.Set("TStamp", tstamp).
		Set("valKey", v.ValKey).
		Set("typeKey", v.TypeKey)
	return q
}

func (q *GetLocationQuery) handleResult(msg wire.Message) error {
	if msg.Has("valueBitStart") {
		p, err := ParseVariablePiece(msg)
		if err != nil {
			return err
		}
		q.loc.Pieces = append(q.loc.Pieces, p)
	}
	if msg.Has("validForInstructions") {
		ranges, err := ParseMemRanges(msg, "validForInstructions")
		if err != nil {
			return err
		}
		q.loc.ValidFor = ranges
	}
	return nil
}

func (q *GetLocationQuery) handleDone(complete bool) {
	q.onDone(q.loc, complete)
}

// VariableKind selects locals or parameters.
type VariableKind int

// Variable kinds.
const (
	Locals VariableKind = iota
	Parameters
)

// GetVariablesQuery lists the variables in scope at a timestamp.
type GetVariablesQuery struct {
	queryBase
	vars   []*Variable
	onDone func(vars []*Variable, complete bool)
}

// NewGetVariablesQuery creates a getLocals or getParameters query.
func NewGetVariablesQuery(s *Session, tstamp int64, kind VariableKind,
	onDone func(vars []*Variable, complete bool)) *GetVariablesQuery {
	cmd := "getLocals"
	if kind == Parameters {
		cmd = "getParameters"
	}
	q := &GetVariablesQuery{queryBase: newQueryBase(s, cmd), onDone: onDone}
	q.req.Set("TStamp", tstamp)
	return q
}

func (q *GetVariablesQuery) handleResult(msg wire.Message) error {
	if !msg.Has("valKey") {
		return nil
	}
	v, err := ParseVariable(msg)
	if err != nil {
		return err
	}
	q.vars = append(q.vars, v)
	return nil
}

func (q *GetVariablesQuery) handleDone(complete bool) {
	q.onDone(q.vars, complete)
}
