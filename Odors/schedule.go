package Odors

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrMethod               = errors.New("invalid odor method")
	ErrOptionCount          = errors.New("wrong number of odor options")
	ErrBlockNotFound        = errors.New("block not found in odor list")
	ErrIndivisibleEqualizer = errors.New("odors don't equally divide the equalizer")
	ErrPolicyUnsatisfiable  = errors.New("repeat condition cannot be satisfied")
)

// DefaultMaxRejections 单次抽样/洗牌的最大重试次数
const DefaultMaxRejections = 100000

var odorMethodPat = regexp.MustCompile(`^random([0-9]*)$`)

type MethodKind int

const (
	MethodConstant MethodKind = iota
	MethodList
	MethodRandom
)

// Method 是一个 block 的气味选择方式
type Method struct {
	Kind MethodKind
	// Condition 仅用于 random: 同一选项最多连续出现的次数，0 表示不限制
	Condition int
}

func (m Method) String() string {
	switch m.Kind {
	case MethodConstant:
		return "constant"
	case MethodList:
		return "list"
	}
	if m.Condition > 0 {
		return "random" + strconv.Itoa(m.Condition)
	}
	return "random"
}

// ParseMethod 解析 constant, list, random 或 random<k>
func ParseMethod(s string) (Method, error) {
	switch s {
	case "constant":
		return Method{Kind: MethodConstant}, nil
	case "list":
		return Method{Kind: MethodList}, nil
	}
	m := odorMethodPat.FindStringSubmatch(s)
	if m == nil {
		return Method{}, fmt.Errorf("%w: %q", ErrMethod, s)
	}
	cond := 0
	if m[1] != "" {
		cond, _ = strconv.Atoi(m[1])
	}
	return Method{Kind: MethodRandom, Condition: cond}, nil
}

// BlockSpec 是生成一个 block 所需的全部参数
type BlockSpec struct {
	Block     int
	Exprs     []string // 气味表达式，list 方法时为文件名
	Method    Method
	Trials    int
	Equalizer int
	Valves    int
}

// Generator 生成每个 trial 的气味
type Generator struct {
	Rand          *rand.Rand
	MaxRejections int
	// Open 打开 list 方法使用的文件，nil 时使用 os.Open
	Open func(name string) (io.ReadCloser, error)
}

// NewGenerator 使用给定的随机源
func NewGenerator(rng *rand.Rand) *Generator {
	return &Generator{Rand: rng, MaxRejections: DefaultMaxRejections}
}

// Generate 返回该 block 每个 trial 的气味以及可供随机选择的候选列表
// list 方法的候选列表为空
func (g *Generator) Generate(spec BlockSpec) (trials, options []Choice, err error) {
	switch spec.Method.Kind {
	case MethodList:
		trials, err = g.fromList(spec)
		return trials, nil, err
	case MethodConstant:
		options, err = g.options(spec)
		if err != nil {
			return nil, nil, err
		}
		if len(options) != 1 {
			return nil, nil, fmt.Errorf("%w: block %d: constant method needs exactly one odor, got %v",
				ErrOptionCount, spec.Block, options)
		}
		trials = make([]Choice, spec.Trials)
		for i := range trials {
			trials[i] = options[0]
		}
		return trials, options, nil
	}

	options, err = g.options(spec)
	if err != nil {
		return nil, nil, err
	}
	if len(options) <= 1 {
		return nil, nil, fmt.Errorf("%w: block %d: random method needs at least two odors, got %v",
			ErrOptionCount, spec.Block, options)
	}

	var idx []int
	if spec.Equalizer > 0 {
		idx, err = g.Equalized(spec.Trials, spec.Equalizer, len(options), spec.Method.Condition)
	} else {
		idx, err = g.Random(spec.Trials, len(options), spec.Method.Condition)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("block %d: %w", spec.Block, err)
	}

	trials = make([]Choice, len(idx))
	for i, k := range idx {
		trials[i] = options[k]
	}
	return trials, options, nil
}

func (g *Generator) options(spec BlockSpec) ([]Choice, error) {
	groups, err := Parse(spec.Exprs, spec.Block, spec.Valves)
	if err != nil {
		return nil, err
	}
	return Flatten(groups), nil
}

func (g *Generator) maxRejections() int {
	if g.MaxRejections <= 0 {
		return DefaultMaxRejections
	}
	return g.MaxRejections
}

// Random 从 m 个选项中独立抽取 n 次
// cond > 0 时任何选项不能连续出现超过 cond 次
func (g *Generator) Random(n, m, cond int) ([]int, error) {
	out := make([]int, 0, n)
	for len(out) < n {
		o := g.Rand.Intn(m)
		for tries := 0; cond > 0 && repeats(out, cond, o); tries++ {
			if tries >= g.maxRejections() {
				return nil, fmt.Errorf("%w: random%d with %d odors", ErrPolicyUnsatisfiable, cond, m)
			}
			o = g.Rand.Intn(m)
		}
		out = append(out, o)
	}
	return out, nil
}

// repeats 检查最后 cond 个值是否都等于 o
func repeats(vals []int, cond, o int) bool {
	if len(vals) < cond {
		return false
	}
	for _, v := range vals[len(vals)-cond:] {
		if v != o {
			return false
		}
	}
	return true
}

// Equalized 以 equalizer 个 trial 为一组，组内每个选项出现次数相同
// 结果截断为 n 个
func (g *Generator) Equalized(n, equalizer, m, cond int) ([]int, error) {
	var out []int
	chunks := (n + equalizer - 1) / equalizer
	for i := 0; i < chunks; i++ {
		last := -1
		if len(out) > 0 {
			last = out[len(out)-1]
		}
		vals, err := g.equalChunk(equalizer, m, cond, last)
		if err != nil {
			return nil, err
		}
		out = append(out, vals...)
	}
	return out[:n], nil
}

// equalChunk 生成一组均衡的选项序列
// last 为上一组的最后一个值 (-1 表示没有)，用于避免跨组违反 cond
func (g *Generator) equalChunk(n, m, cond, last int) ([]int, error) {
	if n%m != 0 {
		return nil, fmt.Errorf("%w: %d odors, equalizer %d", ErrIndivisibleEqualizer, m, n)
	}
	k := n / m
	vals := make([]int, 0, n)

	// 常见情况: 两种气味交替
	if cond == 1 && m == 2 {
		pair := []int{0, 1}
		if last == 0 {
			pair = []int{1, 0}
		}
		for i := 0; i < k; i++ {
			vals = append(vals, pair...)
		}
		return vals, nil
	}

	for i := 0; i < m; i++ {
		for j := 0; j < k; j++ {
			vals = append(vals, i)
		}
	}
	g.shuffle(vals)
	if cond <= 0 {
		return vals, nil
	}

	for tries := 0; longestRun(vals, last) > cond; tries++ {
		if tries >= g.maxRejections() {
			return nil, fmt.Errorf("%w: equalizer %d with %d odors and condition %d",
				ErrPolicyUnsatisfiable, n, m, cond)
		}
		g.shuffle(vals)
	}
	return vals, nil
}

// longestRun 返回最长连续相同值的长度，last 视作序列前一个值
func longestRun(vals []int, last int) int {
	longest, count := 0, 0
	if last >= 0 {
		count = 1
	}
	for _, v := range vals {
		if v == last {
			count++
		} else {
			last = v
			count = 1
		}
		if count > longest {
			longest = count
		}
	}
	return longest
}

func (g *Generator) shuffle(vals []int) {
	g.Rand.Shuffle(len(vals), func(i, j int) { vals[i], vals[j] = vals[j], vals[i] })
}

// fromList 从文件中读取该 block 的气味，文件每行: block, odor, odor, ...
func (g *Generator) fromList(spec BlockSpec) ([]Choice, error) {
	if len(spec.Exprs) != 1 {
		return nil, fmt.Errorf("%w: block %d: list method needs exactly one filename, got %v",
			ErrOptionCount, spec.Block, spec.Exprs)
	}

	open := g.Open
	if open == nil {
		open = func(name string) (io.ReadCloser, error) { return os.Open(name) }
	}
	f, err := open(spec.Exprs[0])
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", spec.Exprs[0], err)
	}

	var row []string
	for _, r := range rows {
		b, err := strconv.Atoi(strings.TrimSpace(r[0]))
		if err == nil && b == spec.Block {
			row = r
			break
		}
	}
	if row == nil {
		return nil, fmt.Errorf("%w: block %d in %s", ErrBlockNotFound, spec.Block, spec.Exprs[0])
	}

	var exprs []string
	for _, e := range row[1:] {
		if e = strings.TrimSpace(e); e != "" {
			exprs = append(exprs, e)
		}
	}
	groups, err := Parse(exprs, spec.Block, spec.Valves)
	if err != nil {
		return nil, err
	}
	trials := make([]Choice, 0, len(groups))
	for i, grp := range groups {
		if len(grp) != 1 {
			return nil, fmt.Errorf("%w: block %d: %q specifies %d flow rates, expected 1",
				ErrOptionCount, spec.Block, exprs[i], len(grp))
		}
		trials = append(trials, grp[0])
	}
	return trials, nil
}
