package Odors

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// History 记录每个阀门 (主气味) 的历史结果，贯穿整个动物的所有 block
type History map[int][]bool

// Append 追加一次结果
func (h History) Append(valve int, passed bool) {
	h[valve] = append(h[valve], passed)
}

// Recent 返回最近 max 次结果
func (h History) Recent(valve, max int) []bool {
	out := h[valve]
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// BiasParams 偏差补偿参数
type BiasParams struct {
	Beta      float64 // 0 表示关闭
	MinTrials int     // 每个候选气味至少需要的历史次数
	MaxTrials int     // 只看最近的这么多次
}

// Rebias 根据历史正确率重新为 (block, trial) 选择气味。
// 表现差的气味以更高概率被选中: p_i ∝ exp(-beta * f_i)。
// 返回是否修改了计划。
func Rebias(plan *Plan, block, trial int, h History, p BiasParams, rng *rand.Rand) bool {
	opts := plan.Options(block)
	if p.Beta == 0 || len(opts) == 0 || len(h) == 0 || plan.At(block, trial) == nil {
		return false
	}
	minTrials := max(p.MinTrials, 1)
	maxTrials := max(p.MaxTrials, 1)

	n := len(opts)
	w := make([]float64, n)
	for i, o := range opts {
		recent := h.Recent(SelectPrimary(o).Valve, maxTrials)
		if len(recent) < minTrials {
			return false
		}
		passed := 0
		for _, ok := range recent {
			if ok {
				passed++
			}
		}
		w[i] = math.Exp(-p.Beta * float64(passed) / float64(len(recent)))
	}

	floats.Scale(1/float64(n), w)
	floats.Scale(1/floats.Sum(w), w)
	cum := floats.CumSum(make([]float64, n), w)
	cum[n-1] = 1

	k := rng.Float64()
	sel := n - 1
	for i, f := range cum {
		if k < f {
			sel = i
			break
		}
	}

	if plan.At(block, trial).Equal(opts[sel]) {
		return false
	}
	plan.Set(block, trial, opts[sel])
	return true
}
