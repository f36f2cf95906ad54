package agent

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/chronicle/internal/chronicle/wire"
)

// Query is one request to the agent and the state accumulated from its
// responses. Concrete queries are created by their constructors, which
// allocate the id and encode the request, and are then passed to
// Session.Send. Callbacks run on the session loop exactly once.
type Query interface {
	// ID returns the query id.
	ID() int

	// Command returns the agent command name.
	Command() string

	base() *queryBase
	handleResult(msg wire.Message) error
	handleDone(complete bool)
}

// queryBase holds the state shared by every query.
type queryBase struct {
	session  *Session
	id       int
	cmd      string
	req      *wire.Request
	span     trace.Span
	sent     bool
	inFlight bool
}

func newQueryBase(s *Session, cmd string) queryBase {
	id := s.nextID()
	return queryBase{
		session: s,
		id:      id,
		cmd:     cmd,
		req:     wire.NewRequest(cmd, id),
	}
}

// ID returns the query id.
func (q *queryBase) ID() int { return q.id }

// Command returns the agent command name.
func (q *queryBase) Command() string { return q.cmd }

// Session returns the session the query belongs to.
func (q *queryBase) Session() *Session { return q.session }

func (q *queryBase) base() *queryBase { return q }

// Info is the result of the handshake.
type Info struct {
	Arch      *Architecture
	EndTStamp int64
}

// InfoQuery asks for the target architecture and trace length.
type InfoQuery struct {
	queryBase
	info   Info
	onDone func(Info, bool)
}

// NewInfoQuery creates an info query.
func NewInfoQuery(s *Session, onDone func(info Info, complete bool)) *InfoQuery {
	return &InfoQuery{queryBase: newQueryBase(s, "info"), onDone: onDone}
}

func (q *InfoQuery) handleResult(msg wire.Message) error {
	if name, ok := msg.String("arch"); ok {
		arch, err := LookupArchitecture(name)
		if err != nil {
			return err
		}
		q.info.Arch = arch
	}
	if end, ok := msg.Int("endTStamp"); ok {
		q.info.EndTStamp = end
	}
	return nil
}

func (q *InfoQuery) handleDone(complete bool) {
	if complete && q.info.Arch == nil {
		complete = false
	}
	q.onDone(q.info, complete)
}
