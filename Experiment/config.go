package Experiment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"rig/Odors"
)

var (
	ErrConfig        = errors.New("invalid experiment configuration")
	ErrCountMismatch = errors.New("odor count does not match trial count")
	ErrLogic         = errors.New("unreachable trial state")
)

// 实验变体
const (
	VariantForcedChoice = "forced_choice"
	VariantGoNoGo       = "go_nogo"
)

// ConfigError 配置验证失败，Field 为出错的配置项
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() []error { return []error{ErrConfig, e.Err} }

func configErr(field string, format string, args ...any) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// ExperimentConfig 按 block 索引的实验参数。时长单位为秒。
// Validate 之后每个列表的长度都等于 NumBlocks，运行期间只读。
type ExperimentConfig struct {
	Variant string `toml:"variant"`

	NumBlocks       int        `toml:"num_blocks"`
	NumTrials       []int      `toml:"num_trials"`
	WaitForNosePoke []bool     `toml:"wait_for_nose_poke"`
	OdorDelay       []float64  `toml:"odor_delay"`
	MixDur          float64    `toml:"mix_dur"`
	AirRate         []float64  `toml:"air_rate"`
	MFCARate        []float64  `toml:"mfc_a_rate"`
	MFCBRate        []float64  `toml:"mfc_b_rate"`
	OdorBeta        []float64  `toml:"odor_beta"`
	BetaTrialsMin   int        `toml:"beta_trials_min"`
	BetaTrialsMax   int        `toml:"beta_trials_max"`
	OdorEqualizer   []int      `toml:"odor_equalizer"`
	OdorMethod      []string   `toml:"odor_method"`
	OdorSelection   [][]string `toml:"odor_selection"`
	NOValve         string     `toml:"NO_valve"`
	MixValve        string     `toml:"mix_valve"`
	OdorPath        string     `toml:"odor_path"`

	MinNosePoke         []float64 `toml:"min_nose_poke"`
	SoundCueDelay       []float64 `toml:"sound_cue_delay"`
	MaxNosePoke         []float64 `toml:"max_nose_poke"`
	SoundDur            []float64 `toml:"sound_dur"`
	MaxDecisionDuration []float64 `toml:"max_decision_duration"`
	NumPellets          []int     `toml:"num_pellets"`
	GoodITI             []float64 `toml:"good_iti"`
	BadITI              []float64 `toml:"bad_iti"`
	IncompleteITI       []float64 `toml:"incomplete_iti"`

	// go/no-go
	BaseITI      []float64 `toml:"base_iti"`
	GoITI        []float64 `toml:"go_iti"`
	NoGoITI      []float64 `toml:"no_go_iti"`
	FalseGoITI   []float64 `toml:"false_go_iti"`
	FalseNoGoITI []float64 `toml:"false_no_go_iti"`

	// 解析后的阀门编号
	noValve  int
	mixValve int
}

// DefaultConfig 返回默认实验配置
func DefaultConfig() *ExperimentConfig {
	return &ExperimentConfig{
		Variant:             VariantForcedChoice,
		NumBlocks:           3,
		NumTrials:           []int{10},
		WaitForNosePoke:     []bool{false, true},
		OdorDelay:           []float64{0},
		MixDur:              1.5,
		AirRate:             []float64{0},
		MFCARate:            []float64{.1},
		MFCBRate:            []float64{.1},
		OdorBeta:            []float64{0},
		BetaTrialsMin:       10,
		BetaTrialsMax:       15,
		OdorEqualizer:       []int{6, 8},
		OdorMethod:          []string{"constant", "random2"},
		OdorSelection:       [][]string{{"p1"}, {"p1", "p2"}},
		NOValve:             "p0",
		MixValve:            "p7",
		OdorPath:            "",
		MinNosePoke:         []float64{0},
		SoundCueDelay:       []float64{0},
		MaxNosePoke:         []float64{10},
		SoundDur:            []float64{0},
		MaxDecisionDuration: []float64{20},
		NumPellets:          []int{2},
		GoodITI:             []float64{3},
		BadITI:              []float64{4},
		IncompleteITI:       []float64{4},
		BaseITI:             []float64{1},
		GoITI:               []float64{0},
		NoGoITI:             []float64{0},
		FalseGoITI:          []float64{3},
		FalseNoGoITI:        []float64{3},
	}
}

// LoadConfigs 读取 TOML 文件中 [experiments.<name>] 下的所有实验配置，
// 未给出的字段使用默认值
func LoadConfigs(path string) (map[string]*ExperimentConfig, error) {
	var raw struct {
		Experiments map[string]toml.Primitive `toml:"experiments"`
	}
	md, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, err
	}
	configs := make(map[string]*ExperimentConfig, len(raw.Experiments))
	for name, prim := range raw.Experiments {
		c := DefaultConfig()
		if err := md.PrimitiveDecode(prim, c); err != nil {
			return nil, fmt.Errorf("experiment %q: %w", name, err)
		}
		configs[name] = c
	}
	if len(configs) == 0 {
		return nil, &ConfigError{Err: fmt.Errorf("no experiment configuration in %s", path)}
	}
	return configs, nil
}

// broadcast 把列表截断或补齐到 n 个元素 (重复最后一个值)，为空时报错
func broadcast[T any](field string, vals []T, n int) ([]T, error) {
	if len(vals) == 0 {
		return nil, configErr(field, "no value provided")
	}
	out := make([]T, n)
	copy(out, vals)
	for i := min(len(vals), n); i < n; i++ {
		out[i] = vals[len(vals)-1]
	}
	return out, nil
}

// Validate 补齐所有 block 列表并检查取值，valves 为阀门总数
func (c *ExperimentConfig) Validate(valves int) error {
	n := c.NumBlocks
	if n <= 0 {
		return configErr("num_blocks", "number of blocks is not positive")
	}
	switch c.Variant {
	case "":
		c.Variant = VariantForcedChoice
	case VariantForcedChoice, VariantGoNoGo:
	default:
		return configErr("variant", "unknown variant %q", c.Variant)
	}

	var err error
	ints := []struct {
		name string
		p    *[]int
	}{
		{"num_trials", &c.NumTrials},
		{"odor_equalizer", &c.OdorEqualizer},
		{"num_pellets", &c.NumPellets},
	}
	for _, f := range ints {
		if *f.p, err = broadcast(f.name, *f.p, n); err != nil {
			return err
		}
	}
	floats := []struct {
		name string
		p    *[]float64
	}{
		{"odor_delay", &c.OdorDelay},
		{"air_rate", &c.AirRate},
		{"mfc_a_rate", &c.MFCARate},
		{"mfc_b_rate", &c.MFCBRate},
		{"odor_beta", &c.OdorBeta},
		{"min_nose_poke", &c.MinNosePoke},
		{"sound_cue_delay", &c.SoundCueDelay},
		{"max_nose_poke", &c.MaxNosePoke},
		{"sound_dur", &c.SoundDur},
		{"max_decision_duration", &c.MaxDecisionDuration},
		{"good_iti", &c.GoodITI},
		{"bad_iti", &c.BadITI},
		{"incomplete_iti", &c.IncompleteITI},
		{"base_iti", &c.BaseITI},
		{"go_iti", &c.GoITI},
		{"no_go_iti", &c.NoGoITI},
		{"false_go_iti", &c.FalseGoITI},
		{"false_no_go_iti", &c.FalseNoGoITI},
	}
	for _, f := range floats {
		if *f.p, err = broadcast(f.name, *f.p, n); err != nil {
			return err
		}
		for _, v := range *f.p {
			if v < 0 {
				return configErr(f.name, "negative value %g", v)
			}
		}
	}
	if c.Variant == VariantGoNoGo {
		// no-go 试验只能靠决策超时结束
		for b, d := range c.MaxDecisionDuration {
			if d == 0 {
				return configErr("max_decision_duration", "go/no-go needs a decision window, block %d is 0", b)
			}
		}
	}
	if c.WaitForNosePoke, err = broadcast("wait_for_nose_poke", c.WaitForNosePoke, n); err != nil {
		return err
	}
	if c.OdorMethod, err = broadcast("odor_method", c.OdorMethod, n); err != nil {
		return err
	}
	if c.OdorSelection, err = broadcast("odor_selection", c.OdorSelection, n); err != nil {
		return err
	}

	for b, t := range c.NumTrials {
		if t <= 0 {
			return configErr("num_trials", "number of trials is not positive for block %d", b)
		}
	}
	for b, m := range c.OdorMethod {
		if _, err := Odors.ParseMethod(m); err != nil {
			return &ConfigError{Field: "odor_method", Err: fmt.Errorf("block %d: %w", b, err)}
		}
	}
	for b, sel := range c.OdorSelection {
		sel = nonBlank(sel)
		c.OdorSelection[b] = sel
		if len(sel) == 0 {
			return configErr("odor_selection", "no odor provided for block %d", b)
		}
	}
	for _, r := range append(append(append([]float64{}, c.AirRate...), c.MFCARate...), c.MFCBRate...) {
		if r > 1 {
			return &ConfigError{Field: "mfc rate", Err: fmt.Errorf("%w: %g", Odors.ErrRateOutOfRange, r)}
		}
	}
	if c.MixDur < 0 {
		return configErr("mix_dur", "negative value %g", c.MixDur)
	}
	if c.BetaTrialsMin < 0 || c.BetaTrialsMax < 0 {
		return configErr("beta_trials", "negative trial count")
	}

	if c.noValve, err = Odors.ParseValveName(c.NOValve, valves); err != nil {
		return &ConfigError{Field: "NO_valve", Err: err}
	}
	if c.mixValve, err = Odors.ParseValveName(c.MixValve, valves); err != nil {
		return &ConfigError{Field: "mix_valve", Err: err}
	}
	return nil
}

// nonBlank 去掉空白的气味表达式
func nonBlank(sel []string) []string {
	out := make([]string, 0, len(sel))
	for _, o := range sel {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// NOValveName / MixValveName 阀门线名
func (c *ExperimentConfig) NOValveName() string  { return Odors.ValveName(c.noValve) }
func (c *ExperimentConfig) MixValveName() string { return Odors.ValveName(c.mixValve) }

// LoadOdorList 读取 OdorPath，路径为空时使用默认列表。
// 指定了路径但文件不存在是配置错误。
func (c *ExperimentConfig) LoadOdorList(valves int, useMFC bool) (*Odors.OdorList, error) {
	if c.OdorPath == "" {
		return Odors.NewOdorList(valves), nil
	}
	l, err := Odors.LoadOdorList(c.OdorPath, valves, useMFC)
	if err != nil {
		return nil, &ConfigError{Field: "odor_path", Err: err}
	}
	return l, nil
}

// ComputePlan 为所有 block 生成每个 trial 的气味。
// 不需要等待鼻触的 block 全部为 nil，候选列表为空。
func (c *ExperimentConfig) ComputePlan(gen *Odors.Generator, valves int) (*Odors.Plan, error) {
	plan := Odors.NewPlan(c.NumBlocks)
	for b := 0; b < c.NumBlocks; b++ {
		n := c.NumTrials[b]
		if !c.WaitForNosePoke[b] {
			plan.SetBlock(b, make([]Odors.Choice, n), nil)
			continue
		}

		method, err := Odors.ParseMethod(c.OdorMethod[b])
		if err != nil {
			return nil, &ConfigError{Field: "odor_method", Err: err}
		}
		trials, options, err := gen.Generate(Odors.BlockSpec{
			Block:     b,
			Exprs:     nonBlank(c.OdorSelection[b]),
			Method:    method,
			Trials:    n,
			Equalizer: c.OdorEqualizer[b],
			Valves:    valves,
		})
		if err != nil {
			return nil, &ConfigError{Field: "odor_selection", Err: err}
		}
		if len(trials) != n {
			return nil, &ConfigError{Field: "odor_selection",
				Err: fmt.Errorf("%w: block %d has %d odors for %d trials", ErrCountMismatch, b, len(trials), n)}
		}
		plan.SetBlock(b, trials, options)
	}
	return plan, nil
}

// Bias 返回 block 的偏差补偿参数
func (c *ExperimentConfig) Bias(block int) Odors.BiasParams {
	return Odors.BiasParams{
		Beta:      c.OdorBeta[block],
		MinTrials: c.BetaTrialsMin,
		MaxTrials: c.BetaTrialsMax,
	}
}

// sec 把秒转换为 time.Duration
func sec(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
