package Experiment

import "time"

// ClassifyGoNoGo 计算 go/no-go 试验的奖励和 ITI，ITI 已包含 base_iti
func ClassifyGoNoGo(c *ExperimentConfig, block int, goTrial, went bool) (reward bool, iti time.Duration) {
	var s float64
	switch {
	case goTrial && went:
		reward, s = true, c.GoITI[block]
	case goTrial && !went:
		s = c.FalseNoGoITI[block]
	case !goTrial && went:
		s = c.FalseGoITI[block]
	default:
		s = c.NoGoITI[block]
	}
	return reward, sec(s + c.BaseITI[block])
}
