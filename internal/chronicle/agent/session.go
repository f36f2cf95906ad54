// Package agent implements the session and query layer of the chronicle
// client: one connection to a trace query agent, multiplexing many
// asynchronous queries over a line-delimited JSON transport.
//
// A Session runs two goroutines. The reader decodes one message per line and
// queues it; the session loop drains that queue and is the only place query
// callbacks run. Anything that issues further queries from a callback
// therefore runs single-threaded with respect to every other callback.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/chronicle/internal/chronicle/wire"
)

// Session is a connection to a query agent.
type Session struct {
	id        string
	transport wire.Transport
	logger    *slog.Logger
	listener  Listener
	metrics   bool

	// mu guards the query table and closed flag.
	mu      sync.Mutex
	lastID  int
	queries map[int]Query
	closed  bool

	// sendMu serializes transport writes.
	sendMu sync.Mutex

	infoMu    sync.RWMutex
	arch      *Architecture
	endTStamp int64

	// qmu guards the loop task queue.
	qmu         sync.Mutex
	tasks       []func()
	stopping    bool
	loopExited  bool
	lateRunning bool
	wake        chan struct{}

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	group     errgroup.Group
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithListener sets the traffic and diagnostic listener.
func WithListener(l Listener) Option {
	return func(s *Session) {
		if l != nil {
			s.listener = l
		}
	}
}

// WithMetrics enables or disables Prometheus metrics. Enabled by default.
func WithMetrics(enabled bool) Option {
	return func(s *Session) {
		s.metrics = enabled
	}
}

// New starts a session over t and sends the info handshake.
// Ready is closed once the handshake finishes.
func New(t wire.Transport, opts ...Option) *Session {
	s := &Session{
		id:        uuid.NewString(),
		transport: t,
		logger:    slog.Default(),
		listener:  ListenerFuncs{},
		metrics:   true,
		queries:   make(map[int]Query),
		wake:      make(chan struct{}, 1),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session", s.id)

	s.group.Go(s.loop)
	s.group.Go(s.readLoop)

	s.logger.Debug("session started")
	s.listener.Started()

	s.Send(NewInfoQuery(s, s.handshakeDone))
	return s
}

func (s *Session) handshakeDone(info Info, complete bool) {
	if complete {
		s.infoMu.Lock()
		s.arch = info.Arch
		s.endTStamp = info.EndTStamp
		s.infoMu.Unlock()
		s.logger.Info("agent handshake complete", "arch", info.Arch.Name(), "endTStamp", info.EndTStamp)
	} else {
		s.logger.Warn("agent handshake incomplete")
	}
	s.readyOnce.Do(func() { close(s.ready) })
}

// ID returns the unique identifier of this session.
func (s *Session) ID() string {
	return s.id
}

// Logger returns the session's logger.
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

// Ready is closed once the info handshake has finished, successfully or not.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Architecture returns the target architecture, or nil before a successful
// handshake.
func (s *Session) Architecture() *Architecture {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.arch
}

// EndTStamp returns the end of the trace as reported by the handshake.
func (s *Session) EndTStamp() int64 {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.endTStamp
}

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// nextID allocates a query id. Ids start at 1.
func (s *Session) nextID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	return s.lastID
}

// Send writes q's request and registers it. If the session is closed or the
// write fails, q finishes incomplete on the session loop. A query is never
// written twice.
func (s *Session) Send(q Query) {
	b := q.base()
	line, err := b.req.Bytes()
	if err != nil {
		s.report(SeverityError, fmt.Sprintf("encode %s request: %v", b.cmd, err), b.id)
		s.RunOnLoop(func() { s.finish(q, false) })
		return
	}

	_, span := tracer().Start(context.Background(), "agent."+b.cmd,
		trace.WithAttributes(
			attribute.String("chronicle.session", s.id),
			attribute.String("chronicle.cmd", b.cmd),
			attribute.Int("chronicle.query_id", b.id),
		))

	s.mu.Lock()
	if b.sent {
		s.mu.Unlock()
		span.End()
		s.logger.Error("query sent twice", "cmd", b.cmd, "id", b.id)
		return
	}
	b.sent = true
	if s.closed {
		s.mu.Unlock()
		span.SetStatus(codes.Error, ErrClosed.Error())
		span.End()
		s.RunOnLoop(func() { s.finish(q, false) })
		return
	}
	b.span = span
	b.inFlight = true
	s.queries[b.id] = q
	s.mu.Unlock()

	if s.metrics {
		recordSent(b.cmd)
	}
	s.logger.Debug("sending query", "cmd", b.cmd, "id", b.id)
	s.listener.Sending(line)

	if err := s.sendLine(line); err != nil {
		s.mu.Lock()
		_, owned := s.queries[b.id]
		delete(s.queries, b.id)
		s.mu.Unlock()
		if owned {
			s.report(SeverityError, "I/O error", b.id)
			s.logger.Debug("send failed", "id", b.id, "error", err)
			s.RunOnLoop(func() { s.finish(q, false) })
		}
	}
}

// Cancel asks the agent to stop working on query id. The query stays
// registered and still finishes through its terminal message.
func (s *Session) Cancel(id int) {
	if s.IsClosed() {
		return
	}
	line, err := wire.NewRequest("cancel", id).Bytes()
	if err != nil {
		return
	}
	s.listener.Sending(line)
	if err := s.sendLine(line); err != nil {
		s.logger.Debug("cancel failed", "id", id, "error", err)
	}
}

func (s *Session) sendLine(line []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.transport.Send(line)
}

// Close closes the transport and finishes every registered query
// incomplete. Calling Close more than once is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.queries
	s.queries = make(map[int]Query)
	s.mu.Unlock()

	close(s.done)
	err := s.transport.Close()
	s.logger.Info("session closed", "pending", len(pending))

	ids := make([]int, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	s.RunOnLoop(func() {
		for _, id := range ids {
			s.finish(pending[id], false)
		}
	})
	s.RunOnLoop(func() {
		s.readyOnce.Do(func() { close(s.ready) })
	})

	s.qmu.Lock()
	s.stopping = true
	s.qmu.Unlock()
	s.signal()

	if err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

// Wait blocks until both session goroutines exit and returns the first read
// error, if any. The goroutines only exit after Close.
func (s *Session) Wait() error {
	return s.group.Wait()
}

// RunOnLoop schedules fn on the session loop.
func (s *Session) RunOnLoop(fn func()) {
	s.qmu.Lock()
	s.tasks = append(s.tasks, fn)
	if !s.loopExited {
		s.qmu.Unlock()
		s.signal()
		return
	}
	// The loop is gone; the first caller in drains the queue so late tasks
	// still run one at a time.
	if s.lateRunning {
		s.qmu.Unlock()
		return
	}
	s.lateRunning = true
	for len(s.tasks) > 0 {
		t := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.qmu.Unlock()
		t()
		s.qmu.Lock()
	}
	s.lateRunning = false
	s.qmu.Unlock()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) loop() error {
	for {
		s.qmu.Lock()
		tasks := s.tasks
		s.tasks = nil
		if len(tasks) == 0 && s.stopping {
			s.loopExited = true
			s.qmu.Unlock()
			s.logger.Debug("session loop exited")
			return nil
		}
		s.qmu.Unlock()

		if len(tasks) == 0 {
			<-s.wake
			continue
		}
		for _, t := range tasks {
			t()
		}
	}
}

func (s *Session) readLoop() error {
	for {
		line, err := s.transport.Receive()
		if err != nil {
			if s.IsClosed() {
				return nil
			}
			s.report(SeverityFatal, "I/O error reading from agent", 0)
			s.Close()
			return fmt.Errorf("read from agent: %w", err)
		}
		if len(line) == 0 {
			continue
		}

		s.listener.Received(line)
		msg, perr := wire.ParseMessage(line)
		s.RunOnLoop(func() { s.dispatch(msg, perr) })
	}
}

// control fields are handled by the session; anything else is a result.
var controlFields = map[string]bool{
	"id":         true,
	"terminated": true,
	"message":    true,
	"severity":   true,
	"text":       true,
}

func hasPayload(msg wire.Message) bool {
	found := false
	msg.Fields(func(key string, _ gjson.Result) bool {
		if !controlFields[key] {
			found = true
			return false
		}
		return true
	})
	return found
}

// dispatch routes one decoded message. Runs on the session loop.
func (s *Session) dispatch(msg wire.Message, perr error) {
	if perr != nil {
		id := 0
		var de *wire.DecodeError
		if errors.As(perr, &de) {
			id = de.ID
		}
		s.report(SeverityError, perr.Error(), id)
		if id != 0 {
			s.finishID(id, false)
		}
		return
	}

	id, _ := msg.ID()
	q := s.lookup(id)

	fatal := false
	if msg.Has("message") {
		sev, text, err := parseDiagnostic(msg)
		if err != nil {
			s.report(SeverityError, (&wire.DecodeError{ID: id, Err: err}).Error(), id)
			s.finishID(id, false)
			return
		}
		s.report(sev, text, id)
		fatal = sev == SeverityFatal
	}

	if q != nil {
		if hasPayload(msg) {
			if err := q.handleResult(msg); err != nil {
				s.report(SeverityError, (&wire.DecodeError{ID: id, Err: err}).Error(), id)
				s.finishID(id, false)
				q = nil
			}
		}
		if q != nil && msg.Has("terminated") {
			term, _ := msg.String("terminated")
			s.finishID(id, term == "normal")
		}
	}

	if fatal {
		s.Close()
	}
}

func parseDiagnostic(msg wire.Message) (Severity, string, error) {
	name, err := msg.RequiredString("severity")
	if err != nil {
		return 0, "", err
	}
	sev, err := ParseSeverity(name)
	if err != nil {
		return 0, "", err
	}
	text, _ := msg.String("text")
	return sev, text, nil
}

func (s *Session) lookup(id int) Query {
	if id == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries[id]
}

// finishID unregisters query id and finishes it. Runs on the session loop.
func (s *Session) finishID(id int, complete bool) {
	s.mu.Lock()
	q, ok := s.queries[id]
	delete(s.queries, id)
	s.mu.Unlock()
	if ok {
		s.finish(q, complete)
	}
}

// finish ends q's span and calls its terminal handler. Callers guarantee it
// runs once per query.
func (s *Session) finish(q Query, complete bool) {
	b := q.base()
	if b.span != nil {
		b.span.SetAttributes(attribute.Bool("chronicle.complete", complete))
		if complete {
			b.span.SetStatus(codes.Ok, "")
		} else {
			b.span.SetStatus(codes.Error, "incomplete")
		}
		b.span.End()
	}
	if s.metrics {
		recordFinished(b.cmd, complete, b.inFlight)
	}
	s.logger.Debug("query finished", "cmd", b.cmd, "id", b.id, "complete", complete)
	q.handleDone(complete)
}

// report surfaces a diagnostic to the listener, the log and metrics.
func (s *Session) report(sev Severity, text string, queryID int) {
	if s.metrics {
		recordDiagnostic(sev)
	}
	s.logger.Log(context.Background(), sev.Level(), text, "severity", sev.String(), "query", queryID)
	s.listener.Message(sev, text, queryID)
}
