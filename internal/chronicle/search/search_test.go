package search_test

import (
	"math/bits"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"

	"github.com/dshills/chronicle/internal/chronicle/agent"
	"github.com/dshills/chronicle/internal/chronicle/agenttest"
	"github.com/dshills/chronicle/internal/chronicle/search"
)

type callResult struct {
	call search.CallStart
	ok   bool
}

func memoryEnd(t *testing.T, s *agent.Session, tstamp, address, bump int64) int64 {
	t.Helper()
	ch := make(chan int64, 1)
	search.FindMemoryEndWithBump(s, tstamp, address, bump, func(end int64) { ch <- end })
	return agenttest.Await(t, ch)
}

func TestFindMemoryEndProbesLogarithmically(t *testing.T) {
	const base = 0x100000
	for _, size := range []int64{0x1000, 0x10000 * 100, 0x10000 * 1000} {
		for _, bump := range []int64{0x1000, search.DefaultBump} {
			trace := agenttest.NewTrace(100)
			trace.Map(1, base, size, true)
			s, a := agenttest.NewSession(t, trace)

			assert.Equal(t, int64(base+size), memoryEnd(t, s, 50, base, bump))

			// Each probe doubles the window, so covering size from bump takes
			// about log2(size/bump) probes plus the one that finds the end.
			limit := bits.Len64(uint64(size/bump)) + 2
			assert.LessOrEqual(t, len(a.Requests("scan")), limit, "size %#x bump %#x", size, bump)
		}
	}
}

func TestFindMemoryEndStopsAtUnmapping(t *testing.T) {
	trace := agenttest.NewTrace(100)
	trace.Map(1, 0x1000, 0x3000, true)
	trace.Map(2, 0x2000, 0x1000, false)
	s, _ := agenttest.NewSession(t, trace)

	assert.Equal(t, int64(0x2000), memoryEnd(t, s, 5, 0x1800, 0))
	assert.Equal(t, int64(0x4000), memoryEnd(t, s, 2, 0x1800, 0x100), "the unmapping is not yet visible")

	ch := make(chan int64, 1)
	search.FindMemoryEnd(s, 5, 0x9000, func(end int64) { ch <- end })
	assert.Equal(t, int64(0x9001), agenttest.Await(t, ch), "an unmapped address ends just past itself")
}

// stackTrace records main calling f at 10, f calling g at 20 which returns
// at 30, f pushing below its frame at 33, f calling h at 40, h returning at
// 50 and f returning at 60.
func stackTrace() *agenttest.Trace {
	trace := agenttest.NewTrace(100)
	trace.Map(0, 0x7000, 0x1000, true)
	trace.SetReg("thread", 0, 1)
	trace.SetReg("rsp", 0, 0x7f00)
	trace.SetReg("pc", 0, 0x400)

	trace.Call(10, 0x7ef8, "rsp").SetReg("pc", 11, 0x500)
	trace.Call(20, 0x7ee0, "rsp").SetReg("pc", 21, 0x600)
	trace.SetReg("rsp", 31, 0x7ee8).SetReg("pc", 31, 0x510)
	trace.SetReg("rsp", 33, 0x7ed0)
	trace.Call(40, 0x7ee0, "rsp").SetReg("pc", 41, 0x700)
	trace.SetReg("rsp", 51, 0x7ee8).SetReg("pc", 51, 0x520)
	trace.SetReg("rsp", 61, 0x7f00).SetReg("pc", 61, 0x410)

	trace.Functions = []agenttest.Function{
		{Name: "f", EntryPoint: 0x500, EndTStamp: 100, Ranges: []agent.MemRange{agent.MustMemRange(0x500, 0x100)}},
		{Name: "g", EntryPoint: 0x600, EndTStamp: 100, Ranges: []agent.MemRange{agent.MustMemRange(0x600, 0x100)}},
		{Name: "h", EntryPoint: 0x700, EndTStamp: 100, Ranges: []agent.MemRange{agent.MustMemRange(0x700, 0x100)}},
	}
	return trace
}

func startOfCall(t *testing.T, s *agent.Session, tstamp int64) callResult {
	t.Helper()
	ch := make(chan callResult, 1)
	search.FindStartOfCall(s, tstamp, func(c search.CallStart, ok bool) { ch <- callResult{c, ok} })
	return agenttest.Await(t, ch)
}

func TestFindStartOfCall(t *testing.T) {
	s, _ := agenttest.NewSession(t, stackTrace())

	r := startOfCall(t, s, 45)
	require.True(t, r.ok)
	assert.Equal(t, search.CallStart{
		TStamp:       40,
		EndTStamp:    51,
		Returned:     true,
		BeforeCallSP: 0x7ee8,
		StackEnd:     0x8000,
		Thread:       1,
	}, r.call)

	// At 35 the latest stack entry above SP is g, which already returned;
	// the search continues to f.
	r = startOfCall(t, s, 35)
	require.True(t, r.ok)
	assert.Equal(t, int64(10), r.call.TStamp)
	assert.Equal(t, int64(61), r.call.EndTStamp)
	assert.Equal(t, int64(0x7f00), r.call.BeforeCallSP)

	r = startOfCall(t, s, 5)
	assert.False(t, r.ok, "main has no caller")
}

func TestFindStartOfCallWithoutRegisters(t *testing.T) {
	s, _ := agenttest.NewSession(t, agenttest.NewTrace(100))
	r := startOfCall(t, s, 5)
	assert.False(t, r.ok)
}

func TestFindEndOfCall(t *testing.T) {
	s, _ := agenttest.NewSession(t, stackTrace())

	type endResult struct {
		end   int64
		found bool
	}
	ch := make(chan endResult, 1)
	search.FindEndOfCall(s, 21, func(end int64, found bool) { ch <- endResult{end, found} })
	assert.Equal(t, endResult{31, true}, agenttest.Await(t, ch))

	search.FindEndOfCallWithRegs(s, 11, 0x7f00, 1, func(end int64, found bool) { ch <- endResult{end, found} })
	assert.False(t, agenttest.Await(t, ch).found, "nothing rises above the outer frame")
}

func TestFindRunningFunction(t *testing.T) {
	s, _ := agenttest.NewSession(t, stackTrace())

	ch := make(chan *agent.Function, 1)
	search.FindRunningFunction(s, 25, func(f *agent.Function) { ch <- f })
	f := agenttest.Await(t, ch)
	require.NotNil(t, f)
	assert.Equal(t, "g", f.String())

	search.FindRunningFunction(s, 5, func(f *agent.Function) { ch <- f })
	f = agenttest.Await(t, ch)
	require.NotNil(t, f)
	assert.True(t, f.Identifier.IsEmpty(), "no debug info yields a placeholder")
	assert.Equal(t, int64(0x400), f.EntryPoint)
	assert.Equal(t, int64(100), f.EndTStamp)
}

func TestWalkStack(t *testing.T) {
	s, _ := agenttest.NewSession(t, stackTrace())

	var frames []search.Frame
	done := make(chan bool, 1)
	search.WalkStack(s, 45, 0,
		func(f search.Frame) { frames = append(frames, f) },
		func(complete bool) { done <- complete })
	assert.True(t, agenttest.Await(t, done))

	require.Len(t, frames, 2)
	assert.Equal(t, 0, frames[0].Depth)
	assert.Equal(t, int64(40), frames[0].Call.TStamp)
	assert.Equal(t, "h", frames[0].Function.String())
	assert.Equal(t, 1, frames[1].Depth)
	assert.Equal(t, int64(10), frames[1].Call.TStamp)
	assert.Equal(t, "f", frames[1].Function.String())
}

func TestWalkStackMaxDepth(t *testing.T) {
	s, _ := agenttest.NewSession(t, stackTrace())

	var frames []search.Frame
	done := make(chan bool, 1)
	search.WalkStack(s, 45, 1,
		func(f search.Frame) { frames = append(frames, f) },
		func(complete bool) { done <- complete })
	assert.False(t, agenttest.Await(t, done))
	assert.Len(t, frames, 1)
}

type loopResult struct {
	loops   []search.Loop
	outside [][]search.Exec
}

func analyze(t *testing.T, trace *agenttest.Trace, fn *agent.Function, start, end int64) loopResult {
	t.Helper()
	s, _ := agenttest.NewSession(t, trace)

	var r loopResult
	done := make(chan bool, 1)
	err := search.AnalyzeLoops(s, fn, start, end, search.LoopFuncs{
		OnLoop:    func(l search.Loop) { r.loops = append(r.loops, l) },
		OnOutside: func(execs []search.Exec) { r.outside = append(r.outside, execs) },
		OnDone:    func(complete bool) { done <- complete },
	})
	require.NoError(t, err)
	assert.True(t, agenttest.Await(t, done))
	return r
}

func loopFunction() *agent.Function {
	return &agent.Function{EntryPoint: 0x100, EndTStamp: 100, Ranges: []agent.MemRange{agent.MustMemRange(0x100, 0x10)}}
}

func TestAnalyzeLoops(t *testing.T) {
	const a, b, c, d = 0x100, 0x102, 0x104, 0x106
	trace := agenttest.NewTrace(100)
	for _, iter := range []int64{0, 10, 20} {
		trace.Exec(iter, a, 2).Exec(iter+1, b, 2).Exec(iter+2, c, 2)
	}
	trace.Exec(30, d, 2)

	r := analyze(t, trace, loopFunction(), 0, 100)

	require.Len(t, r.loops, 1)
	loop := r.loops[0]
	assert.Equal(t, search.Exec{Address: a, Length: 2, TStamp: 0}, loop.Head)
	assert.Equal(t, int64(10), loop.SecondIteration)
	assert.Equal(t, int64(20), loop.LastIteration)
	assert.Equal(t, int64(23), loop.EndTStamp)

	assert.Equal(t, [][]search.Exec{{{Address: d, Length: 2, TStamp: 30}}}, r.outside)
}

func TestAnalyzeLoopsInSequence(t *testing.T) {
	const a, b, c, d, e = 0x100, 0x102, 0x104, 0x106, 0x108
	trace := agenttest.NewTrace(100)
	trace.Exec(0, a, 2).Exec(1, b, 2).Exec(5, a, 2).Exec(6, b, 2)
	trace.Exec(10, c, 2).Exec(11, d, 2).Exec(15, c, 2).Exec(16, d, 2)
	trace.Exec(20, e, 2)

	r := analyze(t, trace, loopFunction(), 0, 100)

	require.Len(t, r.loops, 2)
	assert.Equal(t, search.Loop{Head: search.Exec{Address: a, Length: 2, TStamp: 0}, EndTStamp: 7, SecondIteration: 5, LastIteration: 5}, r.loops[0])
	assert.Equal(t, search.Loop{Head: search.Exec{Address: c, Length: 2, TStamp: 10}, EndTStamp: 17, SecondIteration: 15, LastIteration: 15}, r.loops[1])
	assert.Equal(t, [][]search.Exec{{{Address: e, Length: 2, TStamp: 20}}}, r.outside)
}

func TestAnalyzeLoopsWithoutLoops(t *testing.T) {
	trace := agenttest.NewTrace(100)
	trace.Exec(3, 0x100, 4).Exec(4, 0x104, 4).Exec(9, 0x108, 1)

	r := analyze(t, trace, loopFunction(), 0, 100)

	assert.Empty(t, r.loops)
	assert.Equal(t, [][]search.Exec{
		{{Address: 0x100, Length: 4, TStamp: 3}, {Address: 0x104, Length: 4, TStamp: 4}},
		{{Address: 0x108, Length: 1, TStamp: 9}},
	}, r.outside)
}

func TestAnalyzeLoopsNeedsRanges(t *testing.T) {
	s, _ := agenttest.NewSession(t, agenttest.NewTrace(100))
	err := search.AnalyzeLoops(s, &agent.Function{EntryPoint: 0x100}, 0, 100, search.LoopFuncs{})
	assert.ErrorIs(t, err, search.ErrNoRanges)
}

func TestSearchWithoutArchitecture(t *testing.T) {
	trace := stackTrace()
	trace.Arch = "vax"
	s, a := agenttest.NewSession(t, trace)
	require.Nil(t, s.Architecture())

	r := startOfCall(t, s, 45)
	assert.False(t, r.ok)

	ch := make(chan callResult, 1)
	search.FindStartOfCallWithRegs(s, 45, 0x7ee0, 0x8000, 1, func(c search.CallStart, ok bool) { ch <- callResult{c, ok} })
	assert.False(t, agenttest.Await(t, ch).ok)

	found := make(chan bool, 1)
	search.FindEndOfCall(s, 21, func(_ int64, ok bool) { found <- ok })
	assert.False(t, agenttest.Await(t, found))

	assert.Empty(t, a.Requests("readReg"))
	assert.Empty(t, a.Requests("scan"))
}

func TestSearchMetricsAndSpans(t *testing.T) {
	spans := agenttest.RecordSpans(t)
	foundRuns := search.Runs.WithLabelValues("running_function", "found")
	incompleteRuns := search.Runs.WithLabelValues("start_of_call", "incomplete")
	probes := search.Probes.WithLabelValues("running_function")
	foundBefore := testutil.ToFloat64(foundRuns)
	incompleteBefore := testutil.ToFloat64(incompleteRuns)
	probesBefore := testutil.ToFloat64(probes)

	s, _ := agenttest.NewSession(t, stackTrace())
	ch := make(chan *agent.Function, 1)
	search.FindRunningFunction(s, 25, func(f *agent.Function) { ch <- f })
	require.NotNil(t, agenttest.Await(t, ch))

	assert.Equal(t, foundBefore+1, testutil.ToFloat64(foundRuns))
	assert.Equal(t, probesBefore+2, testutil.ToFloat64(probes), "readReg then findContainingFunction")

	ended := spans.Ended(s.ID(), "search.running_function")
	require.Len(t, ended, 1)
	outcome, _ := agenttest.Attr(ended[0], "chronicle.outcome")
	assert.Equal(t, "found", outcome.AsString())
	assert.Equal(t, codes.Ok, ended[0].Status().Code)

	// A register that is missing from a complete reply still leaves the
	// run without an answer.
	bare, _ := agenttest.NewSession(t, agenttest.NewTrace(100))
	assert.False(t, startOfCall(t, bare, 5).ok)
	assert.Equal(t, incompleteBefore+1, testutil.ToFloat64(incompleteRuns))

	ended = spans.Ended(bare.ID(), "search.start_of_call")
	require.Len(t, ended, 1)
	outcome, _ = agenttest.Attr(ended[0], "chronicle.outcome")
	assert.Equal(t, "incomplete", outcome.AsString())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
}
