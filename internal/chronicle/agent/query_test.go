package agent_test

import (
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/chronicle/internal/chronicle/agent"
	"github.com/dshills/chronicle/internal/chronicle/agenttest"
	"github.com/dshills/chronicle/internal/chronicle/wire"
)

func TestReadMemAcrossRanges(t *testing.T) {
	trace := agenttest.NewTrace(100)
	trace.Write(5, 0x1000, []byte{0xaa, 0xbb, 0xcc})
	trace.Write(6, 0x2000, []byte{0x11, 0x22})
	s, _ := agenttest.NewSession(t, trace)

	type result struct {
		data     []byte
		valid    []bool
		complete bool
	}
	done := make(chan result, 1)
	q, err := agent.NewReadMemQuery(s, 10, []agent.MemRange{
		agent.MustMemRange(0x0fff, 4),
		agent.MustMemRange(0x2001, 2),
	}, func(data []byte, valid []bool, complete bool) {
		done <- result{data, valid, complete}
	})
	require.NoError(t, err)
	s.Send(q)

	r := agenttest.Await(t, done)
	require.True(t, r.complete)
	assert.Equal(t, []byte{0, 0xaa, 0xbb, 0xcc, 0x22, 0}, r.data)
	assert.Equal(t, []bool{false, true, true, true, true, false}, r.valid)
}

func TestReadMemBeforeWrite(t *testing.T) {
	trace := agenttest.NewTrace(100)
	trace.Write(50, 0x1000, []byte{1, 2})
	s, _ := agenttest.NewSession(t, trace)

	done := make(chan []bool, 1)
	q, err := agent.NewReadMemQuery(s, 49, []agent.MemRange{agent.MustMemRange(0x1000, 2)},
		func(_ []byte, valid []bool, _ bool) { done <- valid })
	require.NoError(t, err)
	s.Send(q)
	assert.Equal(t, []bool{false, false}, agenttest.Await(t, done))
}

func TestReadMemTooLarge(t *testing.T) {
	s, _ := agenttest.NewSession(t, agenttest.NewTrace(100))
	_, err := agent.NewReadMemQuery(s, 0, []agent.MemRange{
		agent.MustMemRange(0, math.MaxInt32),
		agent.MustMemRange(math.MaxInt32, 1),
	}, func([]byte, []bool, bool) {})
	assert.ErrorIs(t, err, agent.ErrReadTooLarge)
}

func TestReadReg(t *testing.T) {
	trace := agenttest.NewTrace(100)
	trace.SetReg("rsp", 0, 0x7ffc0000)
	trace.SetReg("rsp", 20, 0x7ffbfff8)
	trace.Registers["xmm0"] = []agenttest.Sample{{
		TStamp: 0,
		Wide:   []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
	}}
	s, _ := agenttest.NewSession(t, trace)

	done := make(chan agent.RegisterValues, 1)
	s.Send(agent.NewReadRegQuery(s, 25, []string{"rsp", "xmm0"}, 128,
		func(v agent.RegisterValues, complete bool) {
			assert.True(t, complete)
			done <- v
		}))
	values := agenttest.Await(t, done)

	sp, ok := values.Uint64("rsp")
	require.True(t, ok)
	assert.Equal(t, uint64(0x7ffbfff8), sp)

	xmm, ok := values.Get("xmm0")
	require.True(t, ok)
	assert.Equal(t, 128, xmm.Bits)
	require.NotNil(t, xmm.Big)
	want, _ := new(big.Int).SetString("0102030405060708090a0b0c0d0e0f10", 16)
	assert.Zero(t, want.Cmp(xmm.Big))
	assert.Equal(t, byte(0x10), xmm.Bytes()[0], "bytes are little endian")
	assert.Equal(t, byte(0x01), xmm.Bytes()[15])

	_, ok = values.Uint64("xmm0")
	assert.False(t, ok, "wide registers do not fit in 64 bits")
}

func TestFunctionQueries(t *testing.T) {
	trace := agenttest.NewTrace(500)
	trace.Functions = []agenttest.Function{{
		Name:        "main",
		Namespace:   "app::",
		EntryPoint:  0x401000,
		BeginTStamp: 0,
		EndTStamp:   500,
		Ranges:      []agent.MemRange{agent.MustMemRange(0x401000, 0x80)},
	}}
	s, _ := agenttest.NewSession(t, trace)

	found := make(chan *agent.Function, 1)
	s.Send(agent.NewFindContainingFunctionQuery(s, 0x401010, 7, func(fn *agent.Function, complete bool) {
		assert.True(t, complete)
		found <- fn
	}))
	fn := agenttest.Await(t, found)
	require.NotNil(t, fn)
	assert.Equal(t, int64(0x401000), fn.EntryPoint)
	assert.Equal(t, "app::main", fn.String())
	require.Len(t, fn.Ranges, 1)

	s.Send(agent.NewFindContainingFunctionQuery(s, 0x900000, 7, func(fn *agent.Function, complete bool) {
		found <- fn
	}))
	assert.Nil(t, agenttest.Await(t, found))

	var names []string
	done := make(chan bool, 1)
	s.Send(agent.NewLookupFunctionsQuery(s, "main",
		func(fn *agent.Function) { names = append(names, fn.Identifier.Name) },
		func(complete bool) { done <- complete }))
	require.True(t, agenttest.Await(t, done))
	assert.Equal(t, []string{"main"}, names)

	placeholder := agent.PlaceholderFunction(s, 0x1234)
	assert.Equal(t, "0x1234", placeholder.String())
	assert.Equal(t, int64(500), placeholder.EndTStamp)
}

func TestFindGreaterSP(t *testing.T) {
	trace := agenttest.NewTrace(100)
	trace.SetReg("rsp", 0, 0x1000)
	trace.SetReg("rsp", 10, 0xff8)
	trace.SetReg("rsp", 30, 0x1008)
	s, _ := agenttest.NewSession(t, trace)

	type result struct {
		tstamp int64
		found  bool
	}
	done := make(chan result, 1)
	s.Send(agent.NewFindGreaterSPQuery(s, 10, 100, 0x1000, 1, func(ts int64, found, complete bool) {
		done <- result{ts, found}
	}))
	r := agenttest.Await(t, done)
	assert.True(t, r.found)
	assert.Equal(t, int64(29), r.tstamp)

	s.Send(agent.NewFindGreaterSPQuery(s, 10, 100, 0x2000, 1, func(ts int64, found, complete bool) {
		done <- result{ts, found}
	}))
	assert.False(t, agenttest.Await(t, done).found)
}

func TestVariablesAndLocation(t *testing.T) {
	trace := agenttest.NewTrace(100)
	trace.Locals = []agenttest.Variable{{Name: "count", TypeKey: "t_int", ValKey: "v1"}}
	trace.Parameters = []agenttest.Variable{{Name: "argc", TypeKey: "t_int", ValKey: "v2"}}
	trace.Locations["v1"] = agenttest.Location{
		Pieces: []string{
			`{"type":"register","valueBitStart":0,"bitLength":16,"register":"rax","registerBitOffset":8}`,
			`{"type":"constant","valueBitStart":16,"bitLength":16,"data":"beef"}`,
		},
		ValidFor: []agent.MemRange{agent.MustMemRange(0x401000, 0x10)},
	}
	s, _ := agenttest.NewSession(t, trace)

	vars := make(chan []*agent.Variable, 1)
	s.Send(agent.NewGetVariablesQuery(s, 5, agent.Locals, func(v []*agent.Variable, complete bool) {
		vars <- v
	}))
	locals := agenttest.Await(t, vars)
	require.Len(t, locals, 1)
	assert.Equal(t, "count", locals[0].Identifier.Name)

	s.Send(agent.NewGetVariablesQuery(s, 5, agent.Parameters, func(v []*agent.Variable, complete bool) {
		vars <- v
	}))
	params := agenttest.Await(t, vars)
	require.Len(t, params, 1)
	assert.Equal(t, "v2", params[0].ValKey)

	locs := make(chan agent.Location, 1)
	s.Send(agent.NewGetLocationQuery(s, 5, locals[0], func(loc agent.Location, complete bool) {
		assert.True(t, complete)
		locs <- loc
	}))
	loc := agenttest.Await(t, locs)
	require.Len(t, loc.Pieces, 2)
	assert.Equal(t, agent.PieceRegister, loc.Pieces[0].Kind)
	assert.Equal(t, "rax", loc.Pieces[0].Register)
	assert.Equal(t, 8, loc.Pieces[0].RegisterBitOffset)
	assert.Equal(t, agent.PieceConstant, loc.Pieces[1].Kind)
	assert.Equal(t, []byte{0xbe, 0xef}, loc.Pieces[1].Data)
	assert.Equal(t, []agent.MemRange{agent.MustMemRange(0x401000, 0x10)}, loc.ValidFor)
}

func TestBadPieceFinishesIncomplete(t *testing.T) {
	trace := agenttest.NewTrace(100)
	trace.Locations["v1"] = agenttest.Location{
		Pieces: []string{`{"type":"memory","valueBitStart":-8,"bitLength":8,"address":4096,"addressBitOffset":0}`},
	}
	s, _ := agenttest.NewSession(t, trace)

	done := make(chan bool, 1)
	s.Send(agent.NewGetLocationQuery(s, 5, &agent.Variable{ValKey: "v1"}, func(_ agent.Location, complete bool) {
		done <- complete
	}))
	assert.False(t, agenttest.Await(t, done))
}

func TestTypeLookups(t *testing.T) {
	trace := agenttest.NewTrace(100)
	trace.Types["t1"] = `{"kind":"int","name":"int","byteSize":4,"signed":true}`
	trace.GlobalTypes["std::string"] = "t2"
	s, _ := agenttest.NewSession(t, trace)

	keys := make(chan string, 1)
	s.Send(agent.NewLookupGlobalTypeQuery(s, agent.GlobalTypeName{Name: "string", NamespacePrefix: "std::"},
		func(key string, complete bool) { keys <- key }))
	assert.Equal(t, "t2", agenttest.Await(t, keys))

	s.Send(agent.NewLookupGlobalTypeQuery(s, agent.GlobalTypeName{Name: "missing"},
		func(key string, complete bool) { keys <- key }))
	assert.Equal(t, "", agenttest.Await(t, keys))

	recs := make(chan string, 1)
	s.Send(agent.NewLookupTypeQuery(s, "t1", func(rec *wire.Message, complete bool) {
		if rec == nil {
			recs <- ""
			return
		}
		kind, _ := rec.String("kind")
		recs <- kind
	}))
	assert.Equal(t, "int", agenttest.Await(t, recs))
}

func TestAutocomplete(t *testing.T) {
	trace := agenttest.NewTrace(100)
	trace.Completions = []agenttest.Completion{
		{Name: "Foo", Kind: "type"},
		{Name: "foo", Kind: "function"},
		{Name: "foobar", Kind: "variable"},
		{Name: "bar", Kind: "function"},
	}
	s, _ := agenttest.NewSession(t, trace)

	type match struct {
		name string
		kind agent.CompletionKind
	}
	run := func(r agent.AutocompleteRequest) []match {
		var out []match
		done := make(chan bool, 1)
		s.Send(agent.NewAutocompleteQuery(s, r,
			func(name string, kind agent.CompletionKind) { out = append(out, match{name, kind}) },
			func(complete bool) { done <- complete }))
		require.True(t, agenttest.Await(t, done))
		return out
	}

	got := run(agent.AutocompleteRequest{Prefix: "foo", CaseSensitive: true, DesiredCount: 10})
	assert.Equal(t, []match{{"foo", agent.CompleteFunction}, {"foobar", agent.CompleteVariable}}, got)

	got = run(agent.AutocompleteRequest{Prefix: "foo", DesiredCount: 10, Kinds: []agent.CompletionKind{agent.CompleteType}})
	assert.Equal(t, []match{{"Foo", agent.CompleteType}}, got)
}

func TestAutocompleteUnknownKind(t *testing.T) {
	trace := agenttest.NewTrace(100)
	trace.Completions = []agenttest.Completion{{Name: "x", Kind: "macro"}}
	s, _ := agenttest.NewSession(t, trace)

	done := make(chan bool, 1)
	s.Send(agent.NewAutocompleteQuery(s, agent.AutocompleteRequest{DesiredCount: 1},
		func(string, agent.CompletionKind) { t.Error("unexpected match") },
		func(complete bool) { done <- complete }))
	assert.False(t, agenttest.Await(t, done))
}

func TestFindSourceInfo(t *testing.T) {
	trace := agenttest.NewTrace(100)
	trace.Sources[0x401000] = agenttest.SourceLine{File: "main.c", Line: 12, Column: 3}
	s, _ := agenttest.NewSession(t, trace)

	done := make(chan map[int64]agent.SourceCoordinate, 1)
	s.Send(agent.NewFindSourceInfoQuery(s, 5, []int64{0x401000, 0x402000},
		func(src map[int64]agent.SourceCoordinate, complete bool) { done <- src }))
	src := agenttest.Await(t, done)
	require.Len(t, src, 1)
	c := src[0x401000]
	assert.Equal(t, "main.c:12", c.String())
	assert.Equal(t, 12, c.EndLine, "end defaults to start")
	assert.Equal(t, 3, c.EndColumn)
}

func TestArchitectureByteOrder(t *testing.T) {
	x86, err := agent.LookupArchitecture("x86")
	require.NoError(t, err)
	assert.Equal(t, 4, x86.PointerSize())
	assert.Equal(t, "esp", x86.SPRegister())
	assert.Equal(t, []byte{4, 3, 2, 1}, x86.ToBigEndian([]byte{1, 2, 3, 4}))
	assert.Equal(t, uint32(0x04030201), x86.ByteOrder().Uint32([]byte{1, 2, 3, 4}))

	_, err = agent.LookupArchitecture("sparc")
	assert.ErrorIs(t, err, agent.ErrUnknownArchitecture)
}
