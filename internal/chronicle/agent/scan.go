package agent

import (
	"github.com/dshills/chronicle/internal/chronicle/wire"
)

// ScanMap names the event category a scan searches.
type ScanMap string

// Scan maps.
const (
	MapMemMap    ScanMap = "MEM_MAP"
	MapMemWrite  ScanMap = "MEM_WRITE"
	MapEnterSP   ScanMap = "ENTER_SP"
	MapInstrExec ScanMap = "INSTR_EXEC"
)

// Termination controls where the agent stops a scan.
type Termination int

// Termination policies.
const (
	// TerminationNone reports every hit.
	TerminationNone Termination = iota
	// TerminationFirst reports only the earliest hit.
	TerminationFirst
	// TerminationLast reports only the latest hit.
	TerminationLast
	// TerminationFirstCover reports hits in increasing time until every
	// requested address has been covered.
	TerminationFirstCover
	// TerminationLastCover is TerminationFirstCover in decreasing time.
	TerminationLastCover
)

var terminationNames = [...]string{
	TerminationNone:       "",
	TerminationFirst:      "findFirst",
	TerminationLast:       "findLast",
	TerminationFirstCover: "findFirstCover",
	TerminationLastCover:  "findLastCover",
}

// String returns the agent's name for the termination, or "" for none.
func (t Termination) String() string {
	if t < 0 || int(t) >= len(terminationNames) {
		return ""
	}
	return terminationNames[t]
}

// ParseTermination maps an agent termination name to a Termination. The
// empty string is TerminationNone.
func ParseTermination(name string) (Termination, bool) {
	for i, n := range terminationNames {
		if n == name {
			return Termination(i), true
		}
	}
	return TerminationNone, false
}

// MMapInfo describes a memory mapping change.
type MMapInfo struct {
	Filename   string
	HasOffset  bool
	FileOffset int64
	Mapped     bool
	Read       bool
	Write      bool
	Execute    bool
}

// ParseMMapInfo decodes the mapping fields of a scan hit.
func ParseMMapInfo(m wire.Message) (*MMapInfo, error) {
	info := &MMapInfo{}
	info.Filename, _ = m.String("filename")
	info.FileOffset, info.HasOffset = m.Int("offset")

	var err error
	if info.Mapped, err = m.RequiredBool("mapped"); err != nil {
		return nil, err
	}
	if info.Read, err = m.RequiredBool("read"); err != nil {
		return nil, err
	}
	if info.Write, err = m.RequiredBool("write"); err != nil {
		return nil, err
	}
	if info.Execute, err = m.RequiredBool("execute"); err != nil {
		return nil, err
	}
	return info, nil
}

// ScanResult is one scan hit.
type ScanResult struct {
	TStamp int64
	Range  MemRange

	// Data holds the written bytes of a MEM_WRITE hit.
	Data []byte

	// MMap is set for mapping hits.
	MMap *MMapInfo
}

// ScanQuery searches [begin,end) in trace time for events of one category
// touching the given address ranges.
type ScanQuery struct {
	queryBase
	scanMap  ScanMap
	onResult func(ScanResult)
	onDone   func(complete bool)
}

// NewScanQuery creates a scan. onResult is called for each hit.
func NewScanQuery(s *Session, m ScanMap, begin, end int64, ranges []MemRange,
	term Termination, onResult func(ScanResult), onDone func(complete bool)) *ScanQuery {
	q := &ScanQuery{
		queryBase: newQueryBase(s, "scan"),
		scanMap:   m,
		onResult:  onResult,
		onDone:    onDone,
	}
	q.req.Set("beginTStamp", begin).
		Set("endTStamp", end).
		Set("map", string(m)).
		SetRanges("ranges", Spans(ranges))
	if term != TerminationNone {
		q.req.Set("termination", term.String())
	}
	return q
}

// Map returns the scanned event category.
func (q *ScanQuery) Map() ScanMap { return q.scanMap }

func (q *ScanQuery) handleResult(msg wire.Message) error {
	kind, _ := msg.String("type")
	if kind != "mmap" && kind != "normal" {
		return nil
	}

	tstamp, err := msg.RequiredInt("TStamp")
	if err != nil {
		return err
	}
	r, err := ParseMemRange(msg)
	if err != nil {
		return err
	}
	res := ScanResult{TStamp: tstamp, Range: r}

	if kind == "mmap" {
		if res.MMap, err = ParseMMapInfo(msg); err != nil {
			return err
		}
	} else if q.scanMap == MapMemWrite {
		hex, err := msg.RequiredString("bytes")
		if err != nil {
			return err
		}
		if res.Data, err = wire.ParseHexBytesPadded(hex); err != nil {
			return err
		}
	}

	if q.onResult != nil {
		q.onResult(res)
	}
	return nil
}

func (q *ScanQuery) handleDone(complete bool) {
	if q.onDone != nil {
		q.onDone(complete)
	}
}

// ScanCountQuery counts events at one address over [begin,end).
type ScanCountQuery struct {
	queryBase
	count  int64
	onDone func(count int64, complete bool)
}

// NewScanCountQuery creates a scanCount query.
func NewScanCountQuery(s *Session, m ScanMap, begin, end, address int64,
	onDone func(count int64, complete bool)) *ScanCountQuery {
	q := &ScanCountQuery{queryBase: newQueryBase(s, "scanCount"), onDone: onDone}
	q.req.Set("beginTStamp", begin).
		Set("endTStamp", end).
		Set("map", string(m)).
		Set("address", address)
	return q
}

func (q *ScanCountQuery) handleResult(msg wire.Message) error {
	if c, ok := msg.Int("count"); ok {
		q.count = c
	}
	return nil
}

func (q *ScanCountQuery) handleDone(complete bool) {
	q.onDone(q.count, complete)
}
