package agenttest

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/dshills/chronicle/internal/chronicle/agent"
	"github.com/dshills/chronicle/internal/chronicle/wire"
)

// Timeout bounds every wait in tests using this package.
const Timeout = 5 * time.Second

// Agent answers queries over a transport from a Trace.
type Agent struct {
	trace *Trace
	tr    wire.Transport

	mu       sync.Mutex
	requests []wire.Message
	hold     map[string]bool
	held     map[int]bool

	done chan struct{}
}

// Start serves trace on one end of an in-memory pipe and returns the agent
// and the client end.
func Start(trace *Trace) (*Agent, wire.Transport) {
	client, server := net.Pipe()
	a := &Agent{
		trace: trace,
		tr:    wire.NewRawTransport(server),
		hold:  make(map[string]bool),
		held:  make(map[int]bool),
		done:  make(chan struct{}),
	}
	go a.serve()
	return a, wire.NewRawTransport(client)
}

// NewSession starts an agent for trace, connects a session to it and waits
// for the handshake. Both are closed when the test ends.
func NewSession(t testing.TB, trace *Trace, opts ...agent.Option) (*agent.Session, *Agent) {
	t.Helper()
	a, tr := Start(trace)
	opts = append([]agent.Option{agent.WithMetrics(false)}, opts...)
	s := agent.New(tr, opts...)
	t.Cleanup(func() {
		s.Close()
		a.Close()
	})

	select {
	case <-s.Ready():
	case <-time.After(Timeout):
		t.Fatal("timeout waiting for handshake")
	}
	return s, a
}

// Await receives one value from ch or fails the test after Timeout.
func Await[T any](t testing.TB, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(Timeout):
		t.Fatal("timeout waiting for result")
		var zero T
		return zero
	}
}

// Hold makes the agent accept but never answer queries for cmd. A held
// query is answered with terminated "cancelled" when it is cancelled.
func (a *Agent) Hold(cmd string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hold[cmd] = true
}

// Requests returns every request received for cmd, or every request if cmd
// is empty.
func (a *Agent) Requests(cmd string) []wire.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []wire.Message
	for _, r := range a.requests {
		if c, _ := r.String("cmd"); cmd == "" || c == cmd {
			out = append(out, r)
		}
	}
	return out
}

// Inject writes a raw line to the client.
func (a *Agent) Inject(line string) error {
	return a.tr.Send([]byte(line))
}

// Close disconnects the agent.
func (a *Agent) Close() {
	a.tr.Close()
	<-a.done
}

func (a *Agent) serve() {
	defer close(a.done)
	for {
		line, err := a.tr.Receive()
		if err != nil {
			return
		}
		req, err := wire.ParseMessage(line)
		if err != nil {
			a.send(fmt.Sprintf(`{"message":true,"severity":"error","text":%q}`, err.Error()))
			continue
		}
		a.handle(req)
	}
}

func (a *Agent) handle(req wire.Message) {
	cmd, _ := req.String("cmd")
	id, _ := req.ID()

	a.mu.Lock()
	if cmd != "cancel" {
		a.requests = append(a.requests, req)
	}
	if a.hold[cmd] {
		a.held[id] = true
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	var results []*reply
	var err error
	switch cmd {
	case "cancel":
		a.mu.Lock()
		wasHeld := a.held[id]
		delete(a.held, id)
		a.mu.Unlock()
		if wasHeld {
			a.send(newReply(id).set("terminated", "cancelled").String())
		}
		return
	case "info":
		results = []*reply{newReply(id).set("arch", a.trace.Arch).set("endTStamp", a.trace.EndTStamp)}
	case "scan":
		results, err = a.scan(id, req)
	case "scanCount":
		results, err = a.scanCount(id, req)
	case "readMem":
		results, err = a.readMem(id, req)
	case "readReg":
		results = a.readReg(id, req)
	case "findSPGreaterThan":
		results = a.findSPGreaterThan(id, req)
	case "findContainingFunction":
		results = a.findContainingFunction(id, req)
	case "lookupGlobalFunctions":
		results = a.lookupFunctions(id, req)
	case "lookupType":
		results = a.lookupType(id, req)
	case "lookupGlobalType":
		results = a.lookupGlobalType(id, req)
	case "getLocals":
		results = variables(id, a.trace.Locals)
	case "getParameters":
		results = variables(id, a.trace.Parameters)
	case "getLocation":
		results = a.getLocation(id, req)
	case "findSourceInfo":
		results = a.findSourceInfo(id, req)
	case "autocomplete":
		results = a.autocomplete(id, req)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		a.send(newReply(id).
			set("message", true).
			set("severity", "error").
			set("text", err.Error()).
			set("terminated", "error").String())
		return
	}
	for _, r := range results {
		a.send(r.String())
	}
	a.send(newReply(id).set("terminated", "normal").String())
}

func (a *Agent) send(line string) {
	a.tr.Send([]byte(line))
}

type reply struct {
	buf []byte
}

func newReply(id int) *reply {
	r := &reply{buf: []byte(`{}`)}
	return r.set("id", id)
}

func (r *reply) set(key string, value any) *reply {
	r.buf, _ = sjson.SetBytes(r.buf, key, value)
	return r
}

func (r *reply) setRaw(key, raw string) *reply {
	r.buf, _ = sjson.SetRawBytes(r.buf, key, []byte(raw))
	return r
}

// merge copies every field of a raw JSON object into the reply. The object
// is compacted first so multi-line fixtures stay on one wire line.
func (r *reply) merge(raw string) *reply {
	gjson.ParseBytes(pretty.Ugly([]byte(raw))).ForEach(func(k, v gjson.Result) bool {
		r.setRaw(k.String(), v.Raw)
		return true
	})
	return r
}

func (r *reply) setRanges(key string, ranges []agent.MemRange) *reply {
	r.setRaw(key, "[]")
	for _, m := range ranges {
		r.set(key+".-1", m.Span())
	}
	return r
}

func (r *reply) String() string {
	return string(r.buf)
}

func (a *Agent) scan(id int, req wire.Message) ([]*reply, error) {
	begin, err := req.RequiredInt("beginTStamp")
	if err != nil {
		return nil, err
	}
	end, err := req.RequiredInt("endTStamp")
	if err != nil {
		return nil, err
	}
	mapName, err := req.RequiredString("map")
	if err != nil {
		return nil, err
	}
	ranges, err := agent.ParseMemRanges(req, "ranges")
	if err != nil {
		return nil, err
	}
	termName, _ := req.String("termination")
	term, ok := agent.ParseTermination(termName)
	if !ok {
		return nil, fmt.Errorf("unknown termination %q", termName)
	}

	var events []Event
	for _, e := range a.trace.Events {
		if string(e.Map) == mapName && e.TStamp >= begin && e.TStamp < end {
			events = append(events, e)
		}
	}
	descending := term == agent.TerminationLast || term == agent.TerminationLastCover
	sort.SliceStable(events, func(i, j int) bool {
		if descending {
			return events[i].TStamp > events[j].TStamp
		}
		return events[i].TStamp < events[j].TStamp
	})

	type hit struct {
		e Event
		r agent.MemRange
	}
	var hits []hit
	switch term {
	case agent.TerminationFirstCover, agent.TerminationLastCover:
		remaining := append([]agent.MemRange(nil), ranges...)
		for _, e := range events {
			if len(remaining) == 0 {
				break
			}
			var next []agent.MemRange
			for _, rem := range remaining {
				in, ok := rem.Intersect(e.Range())
				if !ok {
					next = append(next, rem)
					continue
				}
				hits = append(hits, hit{e, in})
				if in.Start() > rem.Start() {
					next = append(next, agent.MustMemRange(rem.Start(), in.Start()-rem.Start()))
				}
				if in.End() < rem.End() {
					next = append(next, agent.MustMemRange(in.End(), rem.End()-in.End()))
				}
			}
			remaining = next
		}
	default:
		for _, e := range events {
			for _, r := range ranges {
				if in, ok := r.Intersect(e.Range()); ok {
					hits = append(hits, hit{e, in})
				}
			}
		}
		if (term == agent.TerminationFirst || term == agent.TerminationLast) && len(hits) > 0 {
			extreme := hits[0].e.TStamp
			n := 0
			for n < len(hits) && hits[n].e.TStamp == extreme {
				n++
			}
			hits = hits[:n]
		}
	}

	results := make([]*reply, 0, len(hits))
	for _, h := range hits {
		r := newReply(id).
			set("TStamp", h.e.TStamp).
			set("start", h.r.Start()).
			set("length", h.r.Length())
		if h.e.MMap != nil {
			r.set("type", "mmap").
				set("mapped", h.e.MMap.Mapped).
				set("read", h.e.MMap.Read).
				set("write", h.e.MMap.Write).
				set("execute", h.e.MMap.Execute)
			if h.e.MMap.Filename != "" {
				r.set("filename", h.e.MMap.Filename)
			}
			if h.e.MMap.HasOffset {
				r.set("offset", h.e.MMap.FileOffset)
			}
		} else {
			r.set("type", "normal")
			if h.e.Map == agent.MapMemWrite {
				off := h.r.Start() - h.e.Start
				r.set("bytes", wire.FormatHexBytes(h.e.Data[off:off+h.r.Length()]))
			}
		}
		results = append(results, r)
	}
	return results, nil
}

func (a *Agent) scanCount(id int, req wire.Message) ([]*reply, error) {
	begin, err := req.RequiredInt("beginTStamp")
	if err != nil {
		return nil, err
	}
	end, err := req.RequiredInt("endTStamp")
	if err != nil {
		return nil, err
	}
	mapName, _ := req.String("map")
	addr, err := req.RequiredInt("address")
	if err != nil {
		return nil, err
	}
	var count int64
	for _, e := range a.trace.Events {
		if string(e.Map) == mapName && e.TStamp >= begin && e.TStamp < end && e.Range().Contains(addr) {
			count++
		}
	}
	return []*reply{newReply(id).set("count", count)}, nil
}

func (a *Agent) readMem(id int, req wire.Message) ([]*reply, error) {
	tstamp, err := req.RequiredInt("TStamp")
	if err != nil {
		return nil, err
	}
	ranges, err := agent.ParseMemRanges(req, "ranges")
	if err != nil {
		return nil, err
	}
	mem := a.trace.memoryAt(tstamp)

	var results []*reply
	for _, r := range ranges {
		addr := r.Start()
		for addr < r.End() {
			if _, ok := mem[addr]; !ok {
				addr++
				continue
			}
			start := addr
			var chunk []byte
			for addr < r.End() {
				b, ok := mem[addr]
				if !ok {
					break
				}
				chunk = append(chunk, b)
				addr++
			}
			results = append(results, newReply(id).
				set("start", start).
				set("length", len(chunk)).
				set("bytes", wire.FormatHexBytes(chunk)))
		}
	}
	return results, nil
}

func (a *Agent) readReg(id int, req wire.Message) []*reply {
	tstamp, _ := req.Int("TStamp")
	r := newReply(id)
	req.Fields(func(key string, value gjson.Result) bool {
		if key == "cmd" || key == "id" || key == "TStamp" {
			return true
		}
		s, ok := a.trace.regAt(key, tstamp)
		if !ok {
			return true
		}
		if s.Wide != nil {
			r.set(key, wire.FormatHexBytes(s.Wide))
			return true
		}
		bits := s.Bits
		if bits == 0 {
			bits = 64
		}
		r.set(key, fmt.Sprintf("%0*x", bits/4, s.Value))
		return true
	})
	return []*reply{r}
}

func (a *Agent) findSPGreaterThan(id int, req wire.Message) []*reply {
	begin, _ := req.Int("beginTStamp")
	end, _ := req.Int("endTStamp")
	threshold, _ := req.Int("threshold")

	sp := "rsp"
	if a.trace.Arch == "x86" {
		sp = "esp"
	}
	for _, s := range a.trace.Registers[sp] {
		if s.TStamp > begin && s.TStamp <= end && int64(s.Value) > threshold {
			return []*reply{newReply(id).set("TStamp", s.TStamp-1)}
		}
	}
	return nil
}

func functionReply(id int, f Function) *reply {
	r := newReply(id).
		set("name", f.Name).
		set("entryPoint", f.EntryPoint).
		set("beginTStamp", f.BeginTStamp).
		set("endTStamp", f.EndTStamp).
		setRanges("ranges", f.Ranges)
	if f.Namespace != "" {
		r.set("namespacePrefix", f.Namespace)
	}
	if f.Container != "" {
		r.set("containerPrefix", f.Container)
	}
	if f.TypeKey != "" {
		r.set("typeKey", f.TypeKey)
	}
	return r
}

func (a *Agent) findContainingFunction(id int, req wire.Message) []*reply {
	addr, _ := req.Int("address")
	for _, f := range a.trace.Functions {
		for _, r := range f.Ranges {
			if r.Contains(addr) {
				return []*reply{functionReply(id, f)}
			}
		}
	}
	return nil
}

func (a *Agent) lookupFunctions(id int, req wire.Message) []*reply {
	name, _ := req.String("name")
	var results []*reply
	for _, f := range a.trace.Functions {
		if f.Name == name {
			results = append(results, functionReply(id, f))
		}
	}
	return results
}

func (a *Agent) lookupType(id int, req wire.Message) []*reply {
	key, _ := req.String("typeKey")
	raw, ok := a.trace.Types[key]
	if !ok {
		return nil
	}
	return []*reply{newReply(id).merge(raw)}
}

func (a *Agent) lookupGlobalType(id int, req wire.Message) []*reply {
	name, _ := req.String("name")
	ns, _ := req.String("namespacePrefix")
	container, _ := req.String("containerPrefix")
	key, ok := a.trace.GlobalTypes[ns+container+name]
	if !ok {
		return nil
	}
	return []*reply{newReply(id).set("typeKey", key)}
}

func variables(id int, vars []Variable) []*reply {
	results := make([]*reply, 0, len(vars))
	for _, v := range vars {
		results = append(results, newReply(id).
			set("name", v.Name).
			set("typeKey", v.TypeKey).
			set("valKey", v.ValKey))
	}
	return results
}

func (a *Agent) getLocation(id int, req wire.Message) []*reply {
	key, _ := req.String("valKey")
	loc, ok := a.trace.Locations[key]
	if !ok {
		return nil
	}
	var results []*reply
	for _, p := range loc.Pieces {
		results = append(results, newReply(id).merge(p))
	}
	if loc.ValidFor != nil {
		results = append(results, newReply(id).setRanges("validForInstructions", loc.ValidFor))
	}
	return results
}

func (a *Agent) findSourceInfo(id int, req wire.Message) []*reply {
	addrs, _ := req.Array("addresses")
	var results []*reply
	for _, v := range addrs {
		addr := v.Int()
		src, ok := a.trace.Sources[addr]
		if !ok {
			continue
		}
		results = append(results, newReply(id).
			set("address", addr).
			set("filename", src.File).
			set("startLine", src.Line).
			set("startColumn", src.Column))
	}
	return results
}

func (a *Agent) autocomplete(id int, req wire.Message) []*reply {
	prefix, _ := req.String("prefix")
	caseSensitive := req.BoolOr("caseSensitive", true)
	from := int(req.IntOr("from", 0))
	count := int(req.IntOr("desiredCount", int64(len(a.trace.Completions))))

	var kinds map[string]bool
	if arr, ok := req.Array("kinds"); ok {
		kinds = make(map[string]bool)
		for _, k := range arr {
			kinds[k.String()] = true
		}
	}

	var matches []Completion
	for _, c := range a.trace.Completions {
		if kinds != nil && !kinds[c.Kind] {
			continue
		}
		name, p := c.Name, prefix
		if !caseSensitive {
			name, p = strings.ToLower(name), strings.ToLower(p)
		}
		if strings.HasPrefix(name, p) {
			matches = append(matches, c)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Name < matches[j].Name })

	var results []*reply
	for i := from; i < len(matches) && i < from+count; i++ {
		results = append(results, newReply(id).set("name", matches[i].Name).set("kind", matches[i].Kind))
	}
	return results
}
