package Odors

import (
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func maxRun(vals []int) int {
	return longestRun(vals, -1)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("random3")
	require.NoError(t, err)
	assert.Equal(t, Method{Kind: MethodRandom, Condition: 3}, m)
	assert.Equal(t, "random3", m.String())

	m, err = ParseMethod("random")
	require.NoError(t, err)
	assert.Equal(t, 0, m.Condition)

	for _, s := range []string{"constant", "list"} {
		m, err := ParseMethod(s)
		require.NoError(t, err)
		assert.Equal(t, s, m.String())
	}

	_, err = ParseMethod("shuffle")
	assert.ErrorIs(t, err, ErrMethod)
}

func TestEqualized_TwoOdorsAlternate(t *testing.T) {
	g := NewGenerator(rand.New(rand.NewSource(1)))
	vals, err := g.Equalized(13, 6, 2, 1)
	require.NoError(t, err)
	require.Len(t, vals, 13)

	for start := 0; start+6 <= 12; start += 6 {
		chunk := vals[start : start+6]
		counts := map[int]int{}
		for _, v := range chunk {
			counts[v]++
		}
		assert.Equal(t, 3, counts[0])
		assert.Equal(t, 3, counts[1])
	}
	assert.Equal(t, 1, maxRun(vals))
}

func TestEqualized_ConditionHolds(t *testing.T) {
	g := NewGenerator(rand.New(rand.NewSource(7)))
	for trial := 0; trial < 50; trial++ {
		vals, err := g.Equalized(40, 12, 3, 2)
		require.NoError(t, err)
		require.Len(t, vals, 40)
		assert.LessOrEqual(t, maxRun(vals), 2)

		for start := 0; start+12 <= 36; start += 12 {
			counts := map[int]int{}
			for _, v := range vals[start : start+12] {
				counts[v]++
			}
			for o := 0; o < 3; o++ {
				assert.Equal(t, 4, counts[o])
			}
		}
	}
}

func TestEqualized_Indivisible(t *testing.T) {
	g := NewGenerator(rand.New(rand.NewSource(1)))
	_, err := g.Equalized(10, 5, 2, 0)
	assert.ErrorIs(t, err, ErrIndivisibleEqualizer)
}

func TestRandom_Unsatisfiable(t *testing.T) {
	g := NewGenerator(rand.New(rand.NewSource(1)))
	g.MaxRejections = 50
	_, err := g.Random(10, 1, 1)
	assert.ErrorIs(t, err, ErrPolicyUnsatisfiable)
}

func TestRandom_NoLongRuns(t *testing.T) {
	g := NewGenerator(rand.New(rand.NewSource(3)))
	for k := 1; k <= 3; k++ {
		vals, err := g.Random(500, 2, k)
		require.NoError(t, err)
		require.Len(t, vals, 500)
		assert.LessOrEqual(t, maxRun(vals), k)
	}
}

func TestGenerate_Constant(t *testing.T) {
	g := NewGenerator(rand.New(rand.NewSource(1)))
	trials, opts, err := g.Generate(BlockSpec{
		Exprs: []string{"p1"}, Method: Method{Kind: MethodConstant}, Trials: 4, Valves: 8,
	})
	require.NoError(t, err)
	require.Len(t, trials, 4)
	require.Len(t, opts, 1)
	for _, c := range trials {
		assert.True(t, c.Equal(opts[0]))
	}

	_, _, err = g.Generate(BlockSpec{
		Exprs: []string{"p1", "p2"}, Method: Method{Kind: MethodConstant}, Trials: 4, Valves: 8,
	})
	assert.ErrorIs(t, err, ErrOptionCount)
}

func TestGenerate_RandomNeedsTwo(t *testing.T) {
	g := NewGenerator(rand.New(rand.NewSource(1)))
	_, _, err := g.Generate(BlockSpec{
		Exprs: []string{"p1"}, Method: Method{Kind: MethodRandom}, Trials: 4, Valves: 8,
	})
	assert.ErrorIs(t, err, ErrOptionCount)

	// 一个表达式展开成两个流量也算两个选项
	trials, opts, err := g.Generate(BlockSpec{
		Exprs: []string{"p1/p2@[20;80]"}, Method: Method{Kind: MethodRandom, Condition: 2},
		Trials: 12, Equalizer: 6, Valves: 8,
	})
	require.NoError(t, err)
	assert.Len(t, trials, 12)
	assert.Len(t, opts, 2)
}

func TestGenerate_List(t *testing.T) {
	files := map[string]string{
		"odors.csv": "0, p1, p2, p1\n1, p3, p4\n",
		"multi.csv": "0, p1@[20;80]\n",
	}
	g := NewGenerator(rand.New(rand.NewSource(1)))
	g.Open = func(name string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(files[name])), nil
	}

	trials, opts, err := g.Generate(BlockSpec{
		Block: 1, Exprs: []string{"odors.csv"}, Method: Method{Kind: MethodList}, Trials: 2, Valves: 8,
	})
	require.NoError(t, err)
	assert.Nil(t, opts)
	require.Len(t, trials, 2)
	assert.Equal(t, 3, trials[0][0].Valve)
	assert.Equal(t, 4, trials[1][0].Valve)

	_, _, err = g.Generate(BlockSpec{
		Block: 2, Exprs: []string{"odors.csv"}, Method: Method{Kind: MethodList}, Valves: 8,
	})
	assert.ErrorIs(t, err, ErrBlockNotFound)

	_, _, err = g.Generate(BlockSpec{
		Block: 0, Exprs: []string{"multi.csv"}, Method: Method{Kind: MethodList}, Valves: 8,
	})
	assert.ErrorIs(t, err, ErrOptionCount)

	_, _, err = g.Generate(BlockSpec{
		Block: 0, Exprs: []string{"odors.csv", "multi.csv"}, Method: Method{Kind: MethodList}, Valves: 8,
	})
	assert.ErrorIs(t, err, ErrOptionCount)
}
