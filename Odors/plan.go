package Odors

// Plan 保存每个 block 每个 trial 的气味，以及每个 block 的候选气味
type Plan struct {
	Trials  [][]Choice
	Choices [][]Choice
}

// NewPlan 创建 blocks 个空 block
func NewPlan(blocks int) *Plan {
	return &Plan{
		Trials:  make([][]Choice, blocks),
		Choices: make([][]Choice, blocks),
	}
}

// At 返回 (block, trial) 的气味，nil 表示不放气味
func (p *Plan) At(block, trial int) Choice {
	if block < 0 || block >= len(p.Trials) || trial < 0 || trial >= len(p.Trials[block]) {
		return nil
	}
	return p.Trials[block][trial]
}

// Set 在 trial 开始前修改它的气味
func (p *Plan) Set(block, trial int, c Choice) {
	p.Trials[block][trial] = c
}

// Options 返回 block 的候选气味
func (p *Plan) Options(block int) []Choice {
	if block < 0 || block >= len(p.Choices) {
		return nil
	}
	return p.Choices[block]
}

// SetBlock 设置一个 block 的全部 trial 和候选
func (p *Plan) SetBlock(block int, trials, options []Choice) {
	p.Trials[block] = trials
	p.Choices[block] = options
}
