package types

import (
	"log/slog"
	"sync"

	"github.com/dshills/chronicle/internal/chronicle/agent"
	"github.com/dshills/chronicle/internal/chronicle/wire"
)

// Manager loads and caches the types of one session.
//
// Lookups are batched: while any lookupType query is outstanding, finished
// records are parked. When the last one finishes the whole batch is linked
// at once, so mutually referencing types never expose a half-built node.
type Manager struct {
	session *agent.Session
	logger  *slog.Logger

	mu      sync.Mutex
	types   map[string]Type
	pending map[string]*pendingType
	loads   int

	// lookups made under mu, sent by flush once it is released
	outbox []agent.Query
}

// pendingType tracks one key of the current batch.
type pendingType struct {
	promise   *Promise
	receivers []func(Type)
	record    *wire.Message
	typ       Type
	aliasFor  string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger. The default is the session's logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a type manager for s.
func NewManager(s *agent.Session, opts ...ManagerOption) *Manager {
	m := &Manager{
		session: s,
		logger:  s.Logger(),
		types:   make(map[string]Type),
		pending: make(map[string]*pendingType),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "types")
	return m
}

// Session returns the session types are loaded from.
func (m *Manager) Session() *agent.Session {
	return m.session
}

// Promise returns a promise for key. A resolved key yields a promise that
// already holds its type; otherwise the key joins the current batch.
func (m *Manager) Promise(key string) *Promise {
	if key == "" {
		return &Promise{m: m, typ: Void}
	}
	m.mu.Lock()
	if t, ok := m.types[key]; ok {
		m.mu.Unlock()
		return &Promise{m: m, key: key, typ: t}
	}
	pt := m.makePending(key)
	m.mu.Unlock()

	m.flush()
	return pt.promise
}

// Resolve is shorthand for Promise(key).Realize(fn).
func (m *Manager) Resolve(key string, fn func(Type)) {
	m.Promise(key).Realize(fn)
}

// Cached returns a resolved type without loading it.
func (m *Manager) Cached(key string) (Type, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.types[key]
	return t, ok
}

// makePending must be called with mu held. The lookup is queued, not sent:
// a closed session finishes queries on the calling goroutine, and the
// finish path takes mu.
func (m *Manager) makePending(key string) *pendingType {
	if pt, ok := m.pending[key]; ok {
		return pt
	}
	m.loads++
	pt := &pendingType{}
	pt.promise = &Promise{m: m, key: key}
	m.pending[key] = pt

	m.outbox = append(m.outbox, agent.NewLookupTypeQuery(m.session, key, func(rec *wire.Message, complete bool) {
		m.recordLoaded(key, pt, rec, complete)
	}))
	return pt
}

// flush sends the queued lookups. mu must not be held.
func (m *Manager) flush() {
	m.mu.Lock()
	queued := m.outbox
	m.outbox = nil
	m.mu.Unlock()

	for _, q := range queued {
		m.session.Send(q)
	}
}

// load adds key to the current batch unless it is already resolved. Called
// with mu held while building nodes.
func (m *Manager) load(key string) {
	if _, ok := m.types[key]; ok {
		return
	}
	m.makePending(key)
}

// resolve returns the resolved type of key while finishing a batch. Called
// with mu held.
func (m *Manager) resolve(key string) Type {
	if key == "" {
		return Void
	}
	if t, ok := m.types[key]; ok {
		return t
	}
	return &Unknown{key: key}
}

func (m *Manager) recordLoaded(key string, pt *pendingType, rec *wire.Message, complete bool) {
	if complete && rec != nil && rec.BoolOr("partial", false) {
		m.resolvePartial(key, pt, *rec)
		return
	}
	m.loaded(key, pt, rec)
}

// resolvePartial looks for a complete definition of a partial record. The
// pending entry stays counted until the lookup answers.
func (m *Manager) resolvePartial(key string, pt *pendingType, rec wire.Message) {
	id := agent.ParseIdentifier(rec)
	name := agent.GlobalTypeName{
		Name:            id.Name,
		ContainerPrefix: id.ContainerPrefix,
		NamespacePrefix: id.NamespacePrefix,
		ContextTypeKey:  key,
	}
	m.session.Send(agent.NewLookupGlobalTypeQuery(m.session, name, func(target string, complete bool) {
		if !complete || target == "" || target == key {
			m.loaded(key, pt, &rec)
			return
		}
		m.aliasLoaded(key, pt, target)
	}))
}

func (m *Manager) loaded(key string, pt *pendingType, rec *wire.Message) {
	m.mu.Lock()
	if rec != nil {
		pt.record = rec
		t, err := newType(key, *rec, m)
		if err != nil {
			m.logger.Warn("bad type record", "key", key, "error", err)
		} else {
			pt.typ = t
		}
	}
	batch := m.release()
	m.mu.Unlock()

	m.flush()
	notify(batch)
}

func (m *Manager) aliasLoaded(key string, pt *pendingType, target string) {
	m.mu.Lock()
	pt.aliasFor = target
	m.load(target)
	batch := m.release()
	m.mu.Unlock()

	m.flush()
	notify(batch)
}

// release drops one outstanding load and resolves the batch when none
// remain. Called with mu held.
func (m *Manager) release() []*pendingType {
	m.loads--
	if m.loads > 0 {
		return nil
	}
	return m.resolvePending()
}

// resolvePending links every entry of the batch. Called with mu held.
func (m *Manager) resolvePending() []*pendingType {
	batch := make([]*pendingType, 0, len(m.pending))
	for key, pt := range m.pending {
		if pt.aliasFor == "" && pt.typ != nil {
			m.types[key] = pt.typ
		}
		batch = append(batch, pt)
	}
	for key, pt := range m.pending {
		if pt.aliasFor != "" {
			m.resolveAlias(key)
		}
	}
	for key, pt := range m.pending {
		if pt.aliasFor != "" || pt.typ == nil {
			continue
		}
		if err := pt.typ.finish(*pt.record, m); err != nil {
			m.logger.Warn("cannot link type", "key", key, "error", err)
		}
	}

	var resolved, unknown int
	for key, pt := range m.pending {
		if pt.typ == nil {
			pt.typ = &Unknown{key: key}
			unknown++
		} else {
			resolved++
		}
		pt.promise.set(pt.typ)
	}
	recordBatch(len(batch), resolved, unknown)
	m.logger.Debug("type batch resolved", "types", resolved, "unknown", unknown)

	m.pending = make(map[string]*pendingType)
	return batch
}

// resolveAlias follows the forwarding chain from key to a concrete type and
// points every key on the chain at it. A chain that loops back on itself,
// or ends in a failed key, leaves the chain unresolved.
func (m *Manager) resolveAlias(key string) {
	seen := make(map[string]bool)
	var chain []string
	target := key
	var t Type
	for {
		if resolved, ok := m.types[target]; ok {
			t = resolved
			break
		}
		pt, ok := m.pending[target]
		if !ok {
			break
		}
		if pt.aliasFor == "" {
			t = pt.typ
			break
		}
		chain = append(chain, target)
		seen[target] = true
		target = pt.aliasFor
		if seen[target] {
			m.logger.Warn("type alias cycle", "key", key)
			break
		}
	}
	if t == nil {
		return
	}
	for _, k := range chain {
		m.types[k] = t
		m.pending[k].typ = t
	}
}

func notify(batch []*pendingType) {
	for _, pt := range batch {
		for _, fn := range pt.receivers {
			fn(pt.typ)
		}
	}
}

// Promise is a type that may not have loaded yet.
type Promise struct {
	m   *Manager
	key string
	typ Type
}

// Key returns the promised type key.
func (p *Promise) Key() string {
	return p.key
}

// Type returns the type, or nil while its batch is pending.
func (p *Promise) Type() Type {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	return p.typ
}

// set must be called with the manager lock held.
func (p *Promise) set(t Type) {
	p.typ = t
}

// Realize arranges for fn to run on the session loop with the type once
// its batch resolves. A failed key resolves to an *Unknown.
func (p *Promise) Realize(fn func(Type)) {
	p.m.mu.Lock()
	if p.typ != nil {
		t := p.typ
		p.m.mu.Unlock()
		p.m.session.RunOnLoop(func() { fn(t) })
		return
	}
	pt, ok := p.m.pending[p.key]
	if !ok || pt.promise != p {
		// Only pending promises have a nil type, and they are set before
		// leaving the pending table.
		p.m.mu.Unlock()
		p.m.session.RunOnLoop(func() { fn(&Unknown{key: p.key}) })
		return
	}
	pt.receivers = append(pt.receivers, fn)
	p.m.mu.Unlock()
}
