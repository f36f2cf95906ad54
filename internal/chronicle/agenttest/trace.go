// Package agenttest provides an in-process query agent serving a synthetic
// trace, for tests of the session, type, data source and search layers.
package agenttest

import (
	"sort"

	"github.com/dshills/chronicle/internal/chronicle/agent"
)

// Event is one scannable occurrence in the trace.
type Event struct {
	Map    agent.ScanMap
	TStamp int64
	Start  int64
	Length int64

	// Data is the written bytes of a MEM_WRITE event.
	Data []byte

	// MMap is the mapping state of a MEM_MAP event.
	MMap *agent.MMapInfo
}

// Range returns the address range touched by the event.
func (e Event) Range() agent.MemRange {
	return agent.MustMemRange(e.Start, e.Length)
}

// Sample sets a register to a value from TStamp onwards.
type Sample struct {
	TStamp int64
	Value  uint64

	// Wide overrides Value for registers wider than 64 bits; big endian.
	Wide []byte

	// Bits is the register width. Zero means 64.
	Bits int
}

// Function is a function known to the debug info.
type Function struct {
	Name        string
	Namespace   string
	Container   string
	EntryPoint  int64
	BeginTStamp int64
	EndTStamp   int64
	TypeKey     string
	Ranges      []agent.MemRange
}

// Variable is a local or parameter.
type Variable struct {
	Name    string
	TypeKey string
	ValKey  string
}

// Location is the storage of a value key: raw piece objects as the agent
// would send them.
type Location struct {
	Pieces   []string
	ValidFor []agent.MemRange
}

// Completion is a name offered by autocomplete.
type Completion struct {
	Name string
	Kind string
}

// SourceLine is a source position for an address.
type SourceLine struct {
	File   string
	Line   int
	Column int
}

// Trace is the synthetic recording served by an Agent. Register and SP
// timelines are single-threaded; the thread argument of findSPGreaterThan
// is ignored.
type Trace struct {
	Arch      string
	EndTStamp int64

	Events    []Event
	Registers map[string][]Sample

	// Types maps a type key to its raw JSON record.
	Types map[string]string

	// GlobalTypes maps a qualified name to a type key.
	GlobalTypes map[string]string

	Functions   []Function
	Locals      []Variable
	Parameters  []Variable
	Locations   map[string]Location
	Sources     map[int64]SourceLine
	Completions []Completion
}

// NewTrace returns an empty amd64 trace ending at end.
func NewTrace(end int64) *Trace {
	return &Trace{
		Arch:        "amd64",
		EndTStamp:   end,
		Registers:   make(map[string][]Sample),
		Types:       make(map[string]string),
		GlobalTypes: make(map[string]string),
		Locations:   make(map[string]Location),
		Sources:     make(map[int64]SourceLine),
	}
}

// Write records a memory write.
func (t *Trace) Write(tstamp, addr int64, data []byte) *Trace {
	t.Events = append(t.Events, Event{
		Map: agent.MapMemWrite, TStamp: tstamp, Start: addr, Length: int64(len(data)), Data: data,
	})
	return t
}

// Map records a mapping change over [start, start+length).
func (t *Trace) Map(tstamp, start, length int64, mapped bool) *Trace {
	t.Events = append(t.Events, Event{
		Map: agent.MapMemMap, TStamp: tstamp, Start: start, Length: length,
		MMap: &agent.MMapInfo{Mapped: mapped, Read: mapped, Write: mapped},
	})
	return t
}

// Exec records an instruction execution.
func (t *Trace) Exec(tstamp, addr, length int64) *Trace {
	t.Events = append(t.Events, Event{Map: agent.MapInstrExec, TStamp: tstamp, Start: addr, Length: length})
	return t
}

// Call records a call instruction at tstamp leaving the stack pointer at
// sp, and sets the SP register accordingly.
func (t *Trace) Call(tstamp, sp int64, spReg string) *Trace {
	t.Events = append(t.Events, Event{Map: agent.MapEnterSP, TStamp: tstamp, Start: sp, Length: 1})
	return t.SetReg(spReg, tstamp+1, uint64(sp))
}

// SetReg records a register value from tstamp onwards.
func (t *Trace) SetReg(name string, tstamp int64, value uint64) *Trace {
	t.Registers[name] = append(t.Registers[name], Sample{TStamp: tstamp, Value: value})
	sort.SliceStable(t.Registers[name], func(i, j int) bool {
		return t.Registers[name][i].TStamp < t.Registers[name][j].TStamp
	})
	return t
}

// regAt returns the register sample in effect at tstamp.
func (t *Trace) regAt(name string, tstamp int64) (Sample, bool) {
	var cur Sample
	found := false
	for _, s := range t.Registers[name] {
		if s.TStamp > tstamp {
			break
		}
		cur = s
		found = true
	}
	return cur, found
}

// memoryAt replays writes up to and including tstamp.
func (t *Trace) memoryAt(tstamp int64) map[int64]byte {
	writes := make([]Event, 0, len(t.Events))
	for _, e := range t.Events {
		if e.Map == agent.MapMemWrite && e.TStamp <= tstamp {
			writes = append(writes, e)
		}
	}
	sort.SliceStable(writes, func(i, j int) bool { return writes[i].TStamp < writes[j].TStamp })

	mem := make(map[int64]byte)
	for _, w := range writes {
		for i, b := range w.Data {
			mem[w.Start+int64(i)] = b
		}
	}
	return mem
}
