package Odors

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExpression_MixtureRates(t *testing.T) {
	group, err := ParseExpression("p2(50)/p5@[30;70]", 0, 8)
	require.NoError(t, err)
	require.Len(t, group, 2)

	want := [][2]Term{
		{{2, 0.5, 0.3}, {5, 1.0, 0.7}},
		{{2, 0.5, 0.7}, {5, 1.0, 0.3}},
	}
	for i, c := range group {
		require.Len(t, c, 2)
		for j := range c {
			assert.Equal(t, want[i][j].Valve, c[j].Valve)
			assert.InDelta(t, want[i][j].Probability, c[j].Probability, 1e-9)
			assert.InDelta(t, want[i][j].Flow, c[j].Flow, 1e-9)
		}
		assert.InDelta(t, 1.0, c[0].Flow+c[1].Flow, 1e-9)
	}
}

func TestParseExpression_Single(t *testing.T) {
	group, err := ParseExpression("p3", 1, 8)
	require.NoError(t, err)
	require.Equal(t, []Choice{{{3, 1, 1}}}, group)

	group, err = ParseExpression(" p4(25) ", 1, 8)
	require.NoError(t, err)
	require.Len(t, group, 1)
	assert.InDelta(t, 0.25, group[0][0].Probability, 1e-9)
}

func TestParseExpression_Errors(t *testing.T) {
	cases := []struct {
		expr string
		err  error
	}{
		{"p9", ErrValveOutOfRange},
		{"p1/p8", ErrValveOutOfRange},
		{"q1", ErrMalformedExpression},
		{"p1(abc)", ErrMalformedExpression},
		{"p1(150)", ErrMalformedExpression},
		{"p1@[120]", ErrRateOutOfRange},
		{"p1@[x]", ErrMalformedExpression},
	}
	for _, c := range cases {
		t.Run(c.expr, func(t *testing.T) {
			_, err := ParseExpression(c.expr, 2, 8)
			require.ErrorIs(t, err, c.err)

			var exprErr *ExpressionError
			require.ErrorAs(t, err, &exprErr)
			assert.Equal(t, 2, exprErr.Block)
			assert.Equal(t, c.expr, exprErr.Expr)
		})
	}
}

func TestParseAndFlatten(t *testing.T) {
	groups, err := Parse([]string{"p1", "p2/p3@[20;80]"}, 0, 8)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Len(t, Flatten(groups), 3)
}

func TestSelectPrimary(t *testing.T) {
	assert.Equal(t, 1, SelectPrimary(Choice{{1, 1, 1}}).Valve)
	assert.Equal(t, 5, SelectPrimary(Choice{{2, 1, 0.3}, {5, 1, 0.7}}).Valve)
	assert.Equal(t, 2, SelectPrimary(Choice{{2, 1, 0.5}, {5, 1, 0.5}}).Valve)
}

func TestParseValveName(t *testing.T) {
	v, err := ParseValveName("p7", 8)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = ParseValveName("p8", 8)
	assert.ErrorIs(t, err, ErrValveOutOfRange)

	_, err = ParseValveName("valve7", 8)
	assert.Error(t, err)
}

func TestReadOdorList(t *testing.T) {
	data := "1, mineral oil, r\n4, citric acid, lr\n\n5, limonene,\n"
	l, err := ReadOdorList(strings.NewReader(data), 8, false)
	require.NoError(t, err)

	assert.Equal(t, "mineral oil", l.Names[1])
	assert.Equal(t, SideRight, l.Sides[1])
	assert.Equal(t, SideBoth, l.Sides[4])
	assert.Equal(t, SideNone, l.Sides[5])
	assert.Equal(t, "p0", l.Names[0])
	assert.Equal(t, SideBoth, l.Sides[0])
	assert.Equal(t, SideLeft, must(NormalizeSide("l")))
}

func TestReadOdorList_Errors(t *testing.T) {
	_, err := ReadOdorList(strings.NewReader("9, x, r\n"), 8, false)
	assert.ErrorIs(t, err, ErrValveOutOfRange)

	_, err = ReadOdorList(strings.NewReader("1, x, up\n"), 8, false)
	assert.Error(t, err)

	_, err = ReadOdorList(strings.NewReader("1, x, r\n"), 8, true)
	assert.Error(t, err, "mfc column required")

	l, err := ReadOdorList(strings.NewReader("1, x, r, b\n"), 8, true)
	require.NoError(t, err)
	assert.Equal(t, "b", l.MFC[1])
}

func must(s string, err error) string {
	if err != nil {
		panic(err)
	}
	return s
}
