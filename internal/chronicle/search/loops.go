package search

import (
	"cmp"
	"errors"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dshills/chronicle/internal/chronicle/agent"
)

// ErrNoRanges is returned by AnalyzeLoops for a function without address
// ranges.
var ErrNoRanges = errors.New("function has no address ranges")

// Exec is one execution of an instruction.
type Exec struct {
	Address int64
	Length  int64
	TStamp  int64
}

// Loop is an outermost loop found by AnalyzeLoops.
type Loop struct {
	// Head is the first execution of the loop head instruction.
	Head Exec

	// EndTStamp is the first timestamp after the last iteration.
	EndTStamp int64

	SecondIteration int64
	LastIteration   int64
}

// LoopListener receives the results of AnalyzeLoops on the session loop,
// in timestamp order.
type LoopListener interface {
	// FoundLoop reports a loop.
	FoundLoop(loop Loop)

	// FoundOutsideLoop reports executions outside any loop, sorted by
	// timestamp.
	FoundOutsideLoop(execs []Exec)

	// Done is called last. complete is false if a query failed.
	Done(complete bool)
}

// LoopFuncs adapts functions to LoopListener. Nil fields are ignored.
type LoopFuncs struct {
	OnLoop    func(Loop)
	OnOutside func([]Exec)
	OnDone    func(bool)
}

// FoundLoop implements LoopListener.
func (f LoopFuncs) FoundLoop(loop Loop) {
	if f.OnLoop != nil {
		f.OnLoop(loop)
	}
}

// FoundOutsideLoop implements LoopListener.
func (f LoopFuncs) FoundOutsideLoop(execs []Exec) {
	if f.OnOutside != nil {
		f.OnOutside(execs)
	}
}

// Done implements LoopListener.
func (f LoopFuncs) Done(complete bool) {
	if f.OnDone != nil {
		f.OnDone(complete)
	}
}

// AnalyzeLoops finds the loops fn executes during [start, end).
//
// Each instruction's first execution is collected and the executions are
// processed in runs of consecutive timestamps. The first instruction of a
// run to execute again heads a loop; the loop ends once nothing executed
// inside it runs again. Analysis resumes after the loop, so loops in
// sequence are all reported. Recursive functions are not supported.
func AnalyzeLoops(s *agent.Session, fn *agent.Function, start, end int64, l LoopListener) error {
	if len(fn.Ranges) == 0 {
		return ErrNoRanges
	}
	r := startRun(s, "loops",
		attribute.String("chronicle.function", fn.String()),
		attribute.Int64("chronicle.begin", start),
		attribute.Int64("chronicle.end", end))
	a := &loopAnalyzer{session: s, run: r, start: start, end: end, listener: l}
	a.scan(start, fn.Ranges, agent.TerminationFirstCover,
		func(res agent.ScanResult) {
			a.execs = append(a.execs, Exec{Address: res.Range.Start(), Length: res.Range.Length(), TStamp: res.TStamp})
		},
		func() {
			slices.SortStableFunc(a.execs, func(x, y Exec) int {
				return cmp.Compare(x.TStamp, y.TStamp)
			})
			a.findLoop(0)
		})
	return nil
}

type loopAnalyzer struct {
	session  *agent.Session
	run      *run
	start    int64
	end      int64
	listener LoopListener

	// execs holds the first execution of every instruction, by timestamp.
	execs []Exec
	loops int
}

func (a *loopAnalyzer) scan(begin int64, ranges []agent.MemRange, term agent.Termination,
	onResult func(agent.ScanResult), onDone func()) {
	a.run.probe()
	a.session.Send(agent.NewScanQuery(a.session, agent.MapInstrExec, begin, a.end, ranges, term,
		onResult, func(complete bool) {
			a.run.settle(complete)
			onDone()
		}))
}

func (a *loopAnalyzer) finish() {
	a.run.end(a.loops > 0)
	a.listener.Done(!a.run.incomplete)
}

// findLoop looks for a loop headed in the run starting at execs[i].
func (a *loopAnalyzer) findLoop(i int) {
	if i >= len(a.execs) {
		a.finish()
		return
	}
	runEnd := i + 1
	for runEnd < len(a.execs) && a.execs[runEnd].TStamp == a.execs[runEnd-1].TStamp+1 {
		runEnd++
	}
	seq := a.execs[i:runEnd]

	head := -1
	var second int64
	a.scan(seq[len(seq)-1].TStamp+1, instructionRanges(seq), agent.TerminationFirst,
		func(res agent.ScanResult) {
			if head >= 0 {
				return
			}
			for j, e := range seq {
				if e.Address == res.Range.Start() {
					head, second = j, res.TStamp
					return
				}
			}
			a.session.Logger().Warn("repeat outside run", "address", res.Range.Start(), "tstamp", res.TStamp)
		},
		func() {
			if head < 0 {
				a.listener.FoundOutsideLoop(slices.Clone(seq))
				a.findLoop(runEnd)
				return
			}
			if head > 0 {
				a.listener.FoundOutsideLoop(slices.Clone(seq[:head]))
			}
			a.studyLoop(i+head, second)
		})
}

// studyLoop finds the start of the last iteration of the loop headed by
// execs[head].
func (a *loopAnalyzer) studyLoop(head int, second int64) {
	address := a.execs[head].Address
	var (
		last  int64
		found bool
	)
	a.scan(a.start, []agent.MemRange{agent.MustMemRange(address, 1)}, agent.TerminationLast,
		func(res agent.ScanResult) {
			last, found = res.TStamp, true
		},
		func() {
			if !found {
				a.session.Logger().Warn("loop head vanished", "address", address)
				a.run.settle(false)
				a.finish()
				return
			}
			a.findLoopEnd(head, last+1, second, last)
		})
}

// findLoopEnd extends the loop end until no instruction executed in the
// loop runs again at or after cur.
func (a *loopAnalyzer) findLoopEnd(head int, cur, second, last int64) {
	inLoop := a.execs[head:a.execIndexAt(head, cur)]
	var (
		next  int64
		found bool
	)
	a.scan(cur, instructionRanges(inLoop), agent.TerminationLast,
		func(res agent.ScanResult) {
			next, found = max(next, res.TStamp+1), true
		},
		func() {
			if found && next > cur {
				a.findLoopEnd(head, next, second, last)
				return
			}
			a.loops++
			a.listener.FoundLoop(Loop{
				Head:            a.execs[head],
				EndTStamp:       cur,
				SecondIteration: second,
				LastIteration:   last,
			})
			a.findLoop(a.execIndexAt(head, cur))
		})
}

// execIndexAt returns the index of the first exec at or after tstamp,
// searching from i.
func (a *loopAnalyzer) execIndexAt(i int, tstamp int64) int {
	for i < len(a.execs) && a.execs[i].TStamp < tstamp {
		i++
	}
	return i
}

// instructionRanges merges the instructions of execs into ranges, joining
// an instruction to the previous one when it follows it in memory.
func instructionRanges(execs []Exec) []agent.MemRange {
	var ranges []agent.MemRange
	start := execs[0].Address
	end := start + execs[0].Length
	for _, e := range execs[1:] {
		if e.Address != end {
			ranges = append(ranges, agent.MustMemRange(start, end-start))
			start, end = e.Address, e.Address
		}
		end += e.Length
	}
	return append(ranges, agent.MustMemRange(start, end-start))
}
