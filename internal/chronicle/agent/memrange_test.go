package agent_test

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/chronicle/internal/chronicle/agent"
	"github.com/dshills/chronicle/internal/chronicle/wire"
)

func TestNewMemRangeRejectsNegativeLength(t *testing.T) {
	_, err := agent.NewMemRange(0x1000, -1)
	assert.True(t, errors.Is(err, agent.ErrNegativeLength))

	r, err := agent.NewMemRange(0x1000, 0)
	require.NoError(t, err)
	assert.True(t, r.IsEmpty())
}

func TestMemRangeIntersectAndUnion(t *testing.T) {
	a := agent.MustMemRange(0x10, 0x10)
	b := agent.MustMemRange(0x18, 0x10)

	in, ok := a.Intersect(b)
	require.True(t, ok)
	assert.Equal(t, int64(0x18), in.Start())
	assert.Equal(t, int64(0x20), in.End())

	u := a.Union(b)
	assert.Equal(t, int64(0x10), u.Start())
	assert.Equal(t, int64(0x28), u.End())

	_, ok = a.Intersect(agent.MustMemRange(0x20, 4))
	assert.False(t, ok, "adjacent ranges do not overlap")
}

func TestSortByStart(t *testing.T) {
	ranges := []agent.MemRange{
		agent.MustMemRange(30, 1),
		agent.MustMemRange(10, 5),
		agent.MustMemRange(10, 2),
	}
	agent.SortByStart(ranges)
	assert.Equal(t, int64(10), ranges[0].Start())
	assert.Equal(t, int64(12), ranges[0].End())
	assert.Equal(t, int64(15), ranges[1].End())
	assert.Equal(t, int64(30), ranges[2].Start())
}

func genRange() gopter.Gen {
	return gopter.CombineGens(
		gen.Int64Range(-1<<40, 1<<40),
		gen.Int64Range(0, 1<<20),
	).Map(func(v []any) agent.MemRange {
		return agent.MustMemRange(v[0].(int64), v[1].(int64))
	})
}

func TestMemRangeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("intersect is commutative", prop.ForAll(
		func(a, b agent.MemRange) bool {
			x, okx := a.Intersect(b)
			y, oky := b.Intersect(a)
			return okx == oky && x == y
		},
		genRange(), genRange(),
	))

	properties.Property("intersect is none iff ranges do not overlap", prop.ForAll(
		func(a, b agent.MemRange) bool {
			_, ok := a.Intersect(b)
			overlap := a.Start() < b.End() && b.Start() < a.End()
			return ok == overlap
		},
		genRange(), genRange(),
	))

	properties.Property("union is commutative and contains both", prop.ForAll(
		func(a, b agent.MemRange) bool {
			u := a.Union(b)
			return u == b.Union(a) &&
				u.Start() <= a.Start() && u.Start() <= b.Start() &&
				u.End() >= a.End() && u.End() >= b.End()
		},
		genRange(), genRange(),
	))

	properties.Property("start never exceeds end", prop.ForAll(
		func(a, b agent.MemRange) bool {
			if in, ok := a.Intersect(b); ok && in.Start() > in.End() {
				return false
			}
			u := a.Union(b)
			return a.Start() <= a.End() && u.Start() <= u.End()
		},
		genRange(), genRange(),
	))

	properties.Property("wire round trip preserves start and length", prop.ForAll(
		func(a agent.MemRange) bool {
			b, err := wire.NewRequest("readMem", 1).SetRanges("ranges", []wire.Span{a.Span()}).Bytes()
			if err != nil {
				return false
			}
			msg, err := wire.ParseMessage(b)
			if err != nil {
				return false
			}
			got, err := agent.ParseMemRanges(msg, "ranges")
			return err == nil && len(got) == 1 && got[0] == a
		},
		genRange(),
	))

	properties.TestingRun(t)
}

func TestParseMemRangeRejectsNegativeLength(t *testing.T) {
	msg, err := wire.ParseMessage([]byte(`{"start":16,"length":-4}`))
	require.NoError(t, err)
	_, err = agent.ParseMemRange(msg)
	assert.ErrorIs(t, err, agent.ErrNegativeLength)
}
