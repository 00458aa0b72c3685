package Odors

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrMalformedExpression = errors.New("malformed odor expression")
	ErrValveOutOfRange     = errors.New("valve index out of range")
	ErrRateOutOfRange      = errors.New("flow rate out of range")
)

// 单个表达式: p<oa>[(pa)][/p<ob>[(pb)]][@[r1;r2;...]]
var odorSelectPat = regexp.MustCompile(`^p([0-9]+)(?:\(([0-9.]+)\))?(?:/p([0-9]+)(?:\(([0-9.]+)\))?)?(?:@\[(.+)\])?$`)

// 阀门名称，例如 p0, p7
var valveNamePat = regexp.MustCompile(`^p([0-9]+)$`)

// Term 描述一个气味阀的一次使用
type Term struct {
	Valve       int     // 阀门编号
	Probability float64 // 选对后给奖励的概率 [0,1]
	Flow        float64 // 该气味在混合气流中的占比 [0,1]
}

// Choice 是一次 trial 的气味：单一气味 (1 个 Term) 或两种气味的混合 (2 个 Term)
// nil 表示该 trial 不放气味
type Choice []Term

// Equal 逐项比较
func (c Choice) Equal(o Choice) bool {
	if len(c) != len(o) {
		return false
	}
	for i := range c {
		if c[i] != o[i] {
			return false
		}
	}
	return true
}

// String 返回可读形式，例如 p2(50)@30/p5@70
func (c Choice) String() string {
	if c == nil {
		return "-"
	}
	parts := make([]string, len(c))
	for i, t := range c {
		parts[i] = fmt.Sprintf("p%d(%g)@%g", t.Valve, t.Probability*100, t.Flow*100)
	}
	return strings.Join(parts, "/")
}

// ExpressionError 指出出错的表达式和 block
type ExpressionError struct {
	Expr  string
	Block int
	Err   error
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("block %d: odor %q: %v", e.Block, e.Expr, e.Err)
}

func (e *ExpressionError) Unwrap() error { return e.Err }

// SelectPrimary 返回决定奖励的那个气味：
// 单一气味直接返回；混合气味返回流量更大的一个 (相等时取第一个)
func SelectPrimary(c Choice) Term {
	if len(c) == 1 || c[0].Flow >= c[1].Flow {
		return c[0]
	}
	return c[1]
}

// Parse 解析一个 block 的所有气味表达式
// 返回值每个元素对应一个输入表达式，内部每个 Choice 对应一个流量
func Parse(exprs []string, block, valves int) ([][]Choice, error) {
	groups := make([][]Choice, 0, len(exprs))
	for _, expr := range exprs {
		g, err := ParseExpression(expr, block, valves)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// ParseExpression 解析单个表达式
func ParseExpression(expr string, block, valves int) ([]Choice, error) {
	fail := func(err error) ([]Choice, error) {
		return nil, &ExpressionError{Expr: expr, Block: block, Err: err}
	}

	m := odorSelectPat.FindStringSubmatch(strings.TrimSpace(expr))
	if m == nil {
		return fail(ErrMalformedExpression)
	}
	oa, pa, ob, pb, rates := m[1], m[2], m[3], m[4], m[5]

	a, err := parseValve(oa, valves)
	if err != nil {
		return fail(err)
	}
	probA, err := parsePercent(pa, 1)
	if err != nil {
		return fail(err)
	}

	second := ob != ""
	var b int
	var probB float64
	if second {
		if b, err = parseValve(ob, valves); err != nil {
			return fail(err)
		}
		if probB, err = parsePercent(pb, 1); err != nil {
			return fail(err)
		}
	}

	if rates == "" {
		rates = "100"
	}
	var group []Choice
	for _, r := range strings.Split(rates, ";") {
		rate, err := strconv.ParseFloat(strings.TrimSpace(r), 64)
		if err != nil {
			return fail(fmt.Errorf("%w: rate %q", ErrMalformedExpression, r))
		}
		rate /= 100
		if rate < 0 || rate > 1 {
			return fail(fmt.Errorf("%w: %g", ErrRateOutOfRange, rate))
		}

		if second {
			group = append(group, Choice{{a, probA, rate}, {b, probB, 1 - rate}})
		} else {
			group = append(group, Choice{{a, probA, rate}})
		}
	}
	return group, nil
}

// Flatten 把 Parse 的结果展开成候选列表
func Flatten(groups [][]Choice) []Choice {
	var out []Choice
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// ParseValveName 解析 p<idx> 形式的阀门名称
func ParseValveName(name string, valves int) (int, error) {
	m := valveNamePat.FindStringSubmatch(name)
	if m == nil {
		return 0, fmt.Errorf("%q does not match the valve name pattern", name)
	}
	return parseValve(m[1], valves)
}

// ValveName 阀门编号转名称
func ValveName(valve int) string {
	return "p" + strconv.Itoa(valve)
}

func parseValve(s string, valves int) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedExpression, s)
	}
	if v < 0 || v >= valves {
		return 0, fmt.Errorf("%w: p%d with %d valves", ErrValveOutOfRange, v, valves)
	}
	return v, nil
}

func parsePercent(s string, def float64) (float64, error) {
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || v > 100 {
		return 0, fmt.Errorf("%w: probability %q", ErrMalformedExpression, s)
	}
	return v / 100, nil
}
