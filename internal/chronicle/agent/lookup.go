package agent

import (
	"fmt"

	"github.com/dshills/chronicle/internal/chronicle/wire"
)

// FindContainingFunctionQuery finds the function whose code contains an
// address at a timestamp.
type FindContainingFunctionQuery struct {
	queryBase
	fn     *Function
	onDone func(fn *Function, complete bool)
}

// NewFindContainingFunctionQuery creates a findContainingFunction query.
// fn is nil if no function contains the address.
func NewFindContainingFunctionQuery(s *Session, address, tstamp int64,
	onDone func(fn *Function, complete bool)) *FindContainingFunctionQuery {
	q := &FindContainingFunctionQuery{queryBase: newQueryBase(s, "findContainingFunction"), onDone: onDone}
	q.req.Set("address", address).Set("TStamp", tstamp)
	return q
}

func (q *FindContainingFunctionQuery) handleResult(msg wire.Message) error {
	if !msg.Has("entryPoint") {
		return nil
	}
	fn, err := ParseFunction(msg)
	if err != nil {
		return err
	}
	q.fn = fn
	return nil
}

func (q *FindContainingFunctionQuery) handleDone(complete bool) {
	q.onDone(q.fn, complete)
}

// FindGreaterSPQuery finds the first instruction in [begin,end) on a thread
// after which the stack pointer exceeds threshold. At the reported
// timestamp SP is <= threshold; at the next it is greater.
type FindGreaterSPQuery struct {
	queryBase
	tstamp int64
	found  bool
	onDone func(tstamp int64, found, complete bool)
}

// NewFindGreaterSPQuery creates a findSPGreaterThan query.
func NewFindGreaterSPQuery(s *Session, begin, end, threshold int64, thread int64,
	onDone func(tstamp int64, found, complete bool)) *FindGreaterSPQuery {
	q := &FindGreaterSPQuery{queryBase: newQueryBase(s, "findSPGreaterThan"), onDone: onDone}
	q.req.Set("beginTStamp", begin).
		Set("endTStamp", end).
		Set("threshold", threshold).
		Set("thread", thread)
	return q
}

func (q *FindGreaterSPQuery) handleResult(msg wire.Message) error {
	if t, ok := msg.Int("TStamp"); ok {
		q.tstamp = t
		q.found = true
	}
	return nil
}

func (q *FindGreaterSPQuery) handleDone(complete bool) {
	q.onDone(q.tstamp, q.found, complete)
}

// LookupFunctionsQuery finds global functions by name.
type LookupFunctionsQuery struct {
	queryBase
	onFunction func(fn *Function)
	onDone     func(complete bool)
}

// NewLookupFunctionsQuery creates a lookupGlobalFunctions query.
func NewLookupFunctionsQuery(s *Session, name string,
	onFunction func(fn *Function), onDone func(complete bool)) *LookupFunctionsQuery {
	q := &LookupFunctionsQuery{
		queryBase:  newQueryBase(s, "lookupGlobalFunctions"),
		onFunction: onFunction,
		onDone:     onDone,
	}
	q.req.Set("name", name)
	return q
}

func (q *LookupFunctionsQuery) handleResult(msg wire.Message) error {
	if !msg.Has("entryPoint") {
		return nil
	}
	fn, err := ParseFunction(msg)
	if err != nil {
		return err
	}
	q.onFunction(fn)
	return nil
}

func (q *LookupFunctionsQuery) handleDone(complete bool) {
	q.onDone(complete)
}

// LookupTypeQuery fetches the record for one type key.
type LookupTypeQuery struct {
	queryBase
	record *wire.Message
	onDone func(record *wire.Message, complete bool)
}

// NewLookupTypeQuery creates a lookupType query. record is nil if the agent
// returned no type record.
func NewLookupTypeQuery(s *Session, typeKey string,
	onDone func(record *wire.Message, complete bool)) *LookupTypeQuery {
	q := &LookupTypeQuery{queryBase: newQueryBase(s, "lookupType"), onDone: onDone}
	q.req.Set("typeKey", typeKey)
	return q
}

func (q *LookupTypeQuery) handleResult(msg wire.Message) error {
	if msg.Has("kind") {
		m := msg
		q.record = &m
	}
	return nil
}

func (q *LookupTypeQuery) handleDone(complete bool) {
	q.onDone(q.record, complete)
}

// GlobalTypeName identifies a type by name. Prefixes and the context key
// are optional.
type GlobalTypeName struct {
	Name            string
	ContainerPrefix string
	NamespacePrefix string
	ContextTypeKey  string
}

// LookupGlobalTypeQuery finds the key of a global type by name.
type LookupGlobalTypeQuery struct {
	queryBase
	typeKey string
	onDone  func(typeKey string, complete bool)
}

// NewLookupGlobalTypeQuery creates a lookupGlobalType query. typeKey is
// empty if nothing matched.
func NewLookupGlobalTypeQuery(s *Session, name GlobalTypeName,
	onDone func(typeKey string, complete bool)) *LookupGlobalTypeQuery {
	q := &LookupGlobalTypeQuery{queryBase: newQueryBase(s, "lookupGlobalType"), onDone: onDone}
	q.req.Set("name", name.Name)
	if name.ContainerPrefix != "" {
		q.req.Set("containerPrefix", name.ContainerPrefix)
	}
	if name.NamespacePrefix != "" {
		q.req.Set("namespacePrefix", name.NamespacePrefix)
	}
	if name.ContextTypeKey != "" {
		q.req.Set("typeKey", name.ContextTypeKey)
	}
	return q
}

func (q *LookupGlobalTypeQuery) handleResult(msg wire.Message) error {
	if key, ok := msg.String("typeKey"); ok {
		q.typeKey = key
	}
	return nil
}

func (q *LookupGlobalTypeQuery) handleDone(complete bool) {
	q.onDone(q.typeKey, complete)
}

// CompletionKind is the kind of an autocomplete match.
type CompletionKind int

// Completion kinds.
const (
	CompleteVariable CompletionKind = iota
	CompleteFunction
	CompleteType
)

var completionKindNames = [...]string{
	CompleteVariable: "variable",
	CompleteFunction: "function",
	CompleteType:     "type",
}

// String returns the agent's name for the kind.
func (k CompletionKind) String() string {
	if k < 0 || int(k) >= len(completionKindNames) {
		return fmt.Sprintf("CompletionKind(%d)", int(k))
	}
	return completionKindNames[k]
}

// ParseCompletionKind maps an agent kind name to a CompletionKind.
func ParseCompletionKind(name string) (CompletionKind, error) {
	for i, n := range completionKindNames {
		if n == name {
			return CompletionKind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCompletionKind, name)
}

// AutocompleteRequest describes a prefix search over global names.
type AutocompleteRequest struct {
	Prefix        string
	CaseSensitive bool
	From          int
	DesiredCount  int

	// Kinds restricts matches; nil means all kinds.
	Kinds []CompletionKind
}

// AutocompleteQuery searches global names by prefix.
type AutocompleteQuery struct {
	queryBase
	onMatch func(name string, kind CompletionKind)
	onDone  func(complete bool)
}

// NewAutocompleteQuery creates an autocomplete query.
func NewAutocompleteQuery(s *Session, r AutocompleteRequest,
	onMatch func(name string, kind CompletionKind), onDone func(complete bool)) *AutocompleteQuery {
	q := &AutocompleteQuery{queryBase: newQueryBase(s, "autocomplete"), onMatch: onMatch, onDone: onDone}
	q.req.Set("prefix", r.Prefix).
		Set("caseSensitive", r.CaseSensitive).
		Set("from", r.From).
		Set("desiredCount", r.DesiredCount)
	if r.Kinds != nil {
		q.req.EmptyArray("kinds")
		for _, k := range r.Kinds {
			q.req.Append("kinds", k.String())
		}
	}
	return q
}

func (q *AutocompleteQuery) handleResult(msg wire.Message) error {
	kindName, ok := msg.String("kind")
	if !ok {
		return nil
	}
	kind, err := ParseCompletionKind(kindName)
	if err != nil {
		return err
	}
	name, err := msg.RequiredString("name")
	if err != nil {
		return err
	}
	q.onMatch(name, kind)
	return nil
}

func (q *AutocompleteQuery) handleDone(complete bool) {
	q.onDone(complete)
}

// FindSourceInfoQuery maps code addresses to source positions.
type FindSourceInfoQuery struct {
	queryBase
	sources map[int64]SourceCoordinate
	onDone  func(sources map[int64]SourceCoordinate, complete bool)
}

// NewFindSourceInfoQuery creates a findSourceInfo query.
func NewFindSourceInfoQuery(s *Session, tstamp int64, addresses []int64,
	onDone func(sources map[int64]SourceCoordinate, complete bool)) *FindSourceInfoQuery {
	q := &FindSourceInfoQuery{
		queryBase: newQueryBase(s, "findSourceInfo"),
		sources:   make(map[int64]SourceCoordinate),
		onDone:    onDone,
	}
	q.req.Set("TStamp", tstamp).EmptyArray("addresses")
	for _, a := range addresses {
		q.req.Append("addresses", a)
	}
	return q
}

func (q *FindSourceInfoQuery) handleResult(msg wire.Message) error {
	if addr, ok := msg.Int("address"); ok {
		q.sources[addr] = ParseSourceCoordinate(msg)
	}
	return nil
}

func (q *FindSourceInfoQuery) handleDone(complete bool) {
	q.onDone(q.sources, complete)
}
