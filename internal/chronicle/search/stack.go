// Package search implements trace-search algorithms built from scan
// queries: probing the extent of mapped memory, finding the boundaries of
// calls, walking the call stack and detecting loops.
//
// Every function here returns immediately. Results are delivered to the
// callback on the session loop once the query cascade finishes.
package search

import (
	"math"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dshills/chronicle/internal/chronicle/agent"
)

// DefaultBump is the initial probe window of FindMemoryEnd.
const DefaultBump int64 = 0x10000

// CallStart describes one activation found by FindStartOfCall.
type CallStart struct {
	// TStamp is the timestamp of the call instruction.
	TStamp int64

	// EndTStamp is the first timestamp after the call returned, or the
	// session end if it never returned.
	EndTStamp int64
	Returned  bool

	// BeforeCallSP is the stack pointer before the call instruction.
	BeforeCallSP int64
	StackEnd     int64
	Thread       int64
}

// FindMemoryEnd reports the end of the mapped region containing address at
// tstamp.
func FindMemoryEnd(s *agent.Session, tstamp, address int64, fn func(end int64)) {
	FindMemoryEndWithBump(s, tstamp, address, DefaultBump, fn)
}

// FindMemoryEndWithBump is FindMemoryEnd with an explicit initial probe
// window. The window doubles after every probe that finds the region still
// mapped at its end, so a region of size S costs O(log S) scans.
func FindMemoryEndWithBump(s *agent.Session, tstamp, address, bump int64, fn func(end int64)) {
	if bump <= 0 {
		bump = DefaultBump
	}
	r := startRun(s, "memory_end",
		attribute.Int64("chronicle.tstamp", tstamp),
		attribute.Int64("chronicle.address", address))
	findMemoryEnd(s, r, tstamp, address, bump, func(end int64) {
		r.end(true)
		fn(end)
	})
}

func findMemoryEnd(s *agent.Session, r *run, tstamp, address, bump int64, fn func(int64)) {
	if address == math.MaxInt64 {
		s.RunOnLoop(func() { fn(address) })
		return
	}
	window := min(bump, math.MaxInt64-address)
	end := address + window

	var mapped []agent.MemRange
	r.probe()
	s.Send(agent.NewScanQuery(s, agent.MapMemMap, 0, tstamp,
		[]agent.MemRange{agent.MustMemRange(address, window)}, agent.TerminationLastCover,
		func(res agent.ScanResult) {
			if res.MMap != nil && res.MMap.Mapped {
				mapped = append(mapped, res.Range)
			}
		},
		func(complete bool) {
			r.settle(complete)
			agent.SortByStart(mapped)
			mappedEnd := address + 1
			for _, m := range mapped {
				if m.Start() <= mappedEnd {
					mappedEnd = max(mappedEnd, m.End())
				}
			}
			// A window pinned at the top of the address space cannot grow.
			if mappedEnd >= end && end < math.MaxInt64 {
				next := bump
				if next <= math.MaxInt64/2 {
					next *= 2
				}
				findMemoryEnd(s, r, tstamp, mappedEnd-1, next, fn)
				return
			}
			fn(mappedEnd)
		}))
}

// FindStartOfCall finds the call active at tstamp on the thread running at
// tstamp. ok is false at the outermost frame or if the registers cannot be
// read.
func FindStartOfCall(s *agent.Session, tstamp int64, fn func(c CallStart, ok bool)) {
	r := startRun(s, "start_of_call", attribute.Int64("chronicle.tstamp", tstamp))
	findStartOfCall(s, r, tstamp, func(c CallStart, ok bool) {
		r.end(ok)
		fn(c, ok)
	})
}

func findStartOfCall(s *agent.Session, r *run, tstamp int64, fn func(CallStart, bool)) {
	arch := s.Architecture()
	if arch == nil {
		r.settle(false)
		s.RunOnLoop(func() { fn(CallStart{}, false) })
		return
	}
	spReg := arch.SPRegister()
	r.probe()
	s.Send(agent.NewReadRegQuery(s, tstamp, []string{agent.RegisterThread, spReg}, 64,
		func(values agent.RegisterValues, complete bool) {
			sp, ok := values.Uint64(spReg)
			r.settle(complete && ok)
			if !complete || !ok {
				fn(CallStart{}, false)
				return
			}
			thread, _ := values.Uint64(agent.RegisterThread)
			findMemoryEnd(s, r, tstamp, int64(sp), DefaultBump, func(stackEnd int64) {
				findStartOfCallWithRegs(s, r, tstamp, int64(sp), stackEnd, int64(thread), fn)
			})
		}))
}

// FindStartOfCallWithRegs finds the call active at tstamp given the stack
// pointer, the end of the stack and the thread.
func FindStartOfCallWithRegs(s *agent.Session, tstamp, sp, stackEnd, thread int64, fn func(c CallStart, ok bool)) {
	r := startRun(s, "start_of_call", attribute.Int64("chronicle.tstamp", tstamp))
	findStartOfCallWithRegs(s, r, tstamp, sp, stackEnd, thread, func(c CallStart, ok bool) {
		r.end(ok)
		fn(c, ok)
	})
}

// findStartOfCallWithRegs takes the latest stack entry into [sp, stackEnd)
// before tstamp. If that call returned by tstamp it was an earlier sibling,
// and the search continues from its start with its caller's stack pointer.
func findStartOfCallWithRegs(s *agent.Session, r *run, tstamp, sp, stackEnd, thread int64, fn func(CallStart, bool)) {
	arch := s.Architecture()
	if arch == nil || stackEnd <= sp || tstamp <= 0 {
		r.settle(arch != nil)
		s.RunOnLoop(func() { fn(CallStart{}, false) })
		return
	}

	var (
		hit   agent.ScanResult
		found bool
	)
	r.probe()
	s.Send(agent.NewScanQuery(s, agent.MapEnterSP, 0, tstamp,
		[]agent.MemRange{agent.MustMemRange(sp, stackEnd-sp)}, agent.TerminationLast,
		func(res agent.ScanResult) {
			if !found || res.TStamp > hit.TStamp {
				hit, found = res, true
			}
		},
		func(complete bool) {
			r.settle(complete)
			if !found {
				fn(CallStart{}, false)
				return
			}
			enterSP := hit.Range.Start()
			start := CallStart{
				TStamp:       hit.TStamp,
				BeforeCallSP: enterSP + int64(arch.PointerSize()),
				StackEnd:     stackEnd,
				Thread:       thread,
			}
			findEndOfCallWithRegs(s, r, hit.TStamp+1, enterSP, thread, func(end int64, returned bool) {
				switch {
				case !returned:
					start.EndTStamp = s.EndTStamp()
					fn(start, true)
				case end > tstamp:
					start.EndTStamp = end
					start.Returned = true
					fn(start, true)
				default:
					findStartOfCallWithRegs(s, r, start.TStamp, start.BeforeCallSP, stackEnd, thread, fn)
				}
			})
		}))
}

// FindEndOfCall finds the first timestamp after the call whose first
// instruction runs at tstamp has returned. found is false if it never
// returns.
func FindEndOfCall(s *agent.Session, tstamp int64, fn func(end int64, found bool)) {
	r := startRun(s, "end_of_call", attribute.Int64("chronicle.tstamp", tstamp))
	done := func(end int64, found bool) {
		r.end(found)
		fn(end, found)
	}
	arch := s.Architecture()
	if arch == nil {
		r.settle(false)
		s.RunOnLoop(func() { done(0, false) })
		return
	}
	spReg := arch.SPRegister()
	r.probe()
	s.Send(agent.NewReadRegQuery(s, tstamp, []string{agent.RegisterThread, spReg}, 64,
		func(values agent.RegisterValues, complete bool) {
			sp, ok := values.Uint64(spReg)
			r.settle(complete && ok)
			if !complete || !ok {
				done(0, false)
				return
			}
			thread, _ := values.Uint64(agent.RegisterThread)
			findEndOfCallWithRegs(s, r, tstamp, int64(sp), int64(thread), done)
		}))
}

// FindEndOfCallWithRegs is FindEndOfCall given the stack pointer at the
// call's first instruction and the thread.
func FindEndOfCallWithRegs(s *agent.Session, tstamp, sp, thread int64, fn func(end int64, found bool)) {
	r := startRun(s, "end_of_call", attribute.Int64("chronicle.tstamp", tstamp))
	findEndOfCallWithRegs(s, r, tstamp, sp, thread, func(end int64, found bool) {
		r.end(found)
		fn(end, found)
	})
}

func findEndOfCallWithRegs(s *agent.Session, r *run, tstamp, sp, thread int64, fn func(int64, bool)) {
	r.probe()
	s.Send(agent.NewFindGreaterSPQuery(s, tstamp, s.EndTStamp(), sp, thread,
		func(t int64, found, complete bool) {
			r.settle(complete)
			fn(t+1, found)
		}))
}

// FindRunningFunction reports the function executing at tstamp. Code with
// no debug info yields a placeholder function at the program counter. fn
// receives nil if the lookup fails.
func FindRunningFunction(s *agent.Session, tstamp int64, fn func(*agent.Function)) {
	r := startRun(s, "running_function", attribute.Int64("chronicle.tstamp", tstamp))
	findRunningFunction(s, r, tstamp, func(f *agent.Function) {
		r.end(f != nil)
		fn(f)
	})
}

func findRunningFunction(s *agent.Session, r *run, tstamp int64, fn func(*agent.Function)) {
	r.probe()
	s.Send(agent.NewReadRegQuery(s, tstamp, []string{agent.RegisterPC}, 64,
		func(values agent.RegisterValues, complete bool) {
			pc, ok := values.Uint64(agent.RegisterPC)
			r.settle(complete && ok)
			if !complete || !ok {
				fn(nil)
				return
			}
			address := int64(pc)
			r.probe()
			s.Send(agent.NewFindContainingFunctionQuery(s, address, tstamp,
				func(f *agent.Function, complete bool) {
					r.settle(complete)
					if !complete {
						fn(nil)
						return
					}
					if f == nil {
						f = agent.PlaceholderFunction(s, address)
					}
					fn(f)
				}))
		}))
}

// Frame is one activation of a call stack.
type Frame struct {
	// Depth is 0 for the innermost frame.
	Depth int
	Call  CallStart

	// Function is the code the frame runs, or nil if unknown.
	Function *agent.Function
}

// WalkStack reports the frames active at tstamp, innermost first, stopping
// after maxDepth frames if maxDepth is positive. onDone receives false if
// the walk was cut short or a query failed.
func WalkStack(s *agent.Session, tstamp int64, maxDepth int, onFrame func(Frame), onDone func(complete bool)) {
	w := &stackWalk{
		session:  s,
		run:      startRun(s, "walk_stack", attribute.Int64("chronicle.tstamp", tstamp)),
		maxDepth: maxDepth,
		onFrame:  onFrame,
		onDone:   onDone,
	}
	findStartOfCall(s, w.run, tstamp, w.found)
}

type stackWalk struct {
	session  *agent.Session
	run      *run
	maxDepth int
	depth    int
	onFrame  func(Frame)
	onDone   func(bool)
}

func (w *stackWalk) found(c CallStart, ok bool) {
	if !ok {
		w.run.end(w.depth > 0)
		w.onDone(!w.run.incomplete)
		return
	}
	findRunningFunction(w.session, w.run, c.TStamp+1, func(f *agent.Function) {
		w.onFrame(Frame{Depth: w.depth, Call: c, Function: f})
		w.depth++
		if w.maxDepth > 0 && w.depth >= w.maxDepth {
			w.run.end(true)
			w.onDone(false)
			return
		}
		findStartOfCallWithRegs(w.session, w.run, c.TStamp, c.BeforeCallSP, c.StackEnd, c.Thread, w.found)
	})
}
