package Hardware

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrHardware = errors.New("hardware error")
	ErrLogic    = errors.New("unreachable state transition")
)

// 数字输出线
const (
	LineIRLeds     = "ir_leds"
	LineFans       = "fans"
	LineHouseLight = "house_light"
	LineFeederL    = "feeder_l"
	LineFeederR    = "feeder_r"
)

// 数字输入线 (光电门)
const (
	LineNoseBeam    = "nose_beam"
	LineRewardBeamL = "reward_beam_l"
	LineRewardBeamR = "reward_beam_r"
)

// MFC 名称
const (
	MFCAir = "air"
	MFCA   = "a"
	MFCB   = "b"
)

// OutputLines / InputLines 默认的数字 I/O 线
var (
	OutputLines = []string{LineIRLeds, LineFans, LineHouseLight, LineFeederL, LineFeederR}
	InputLines  = []string{LineNoseBeam, LineRewardBeamL, LineRewardBeamR}
)

// LineWriter 设置输出线的高低电平 (气味阀、风扇、喂食器等)
type LineWriter interface {
	SetLines(high, low []string) error
}

// BinarySensor 读取输入线并订阅变化
type BinarySensor interface {
	ReadLine(name string) (bool, error)
	// Subscribe 注册变化回调，返回取消订阅函数
	Subscribe(name string, fn func(bool)) (unsubscribe func())
}

// FlowController 质量流量控制器
type FlowController interface {
	SetRate(rate float64) error
}

// Device 需要打开和关闭的硬件
type Device interface {
	Name() string
	Open(ctx context.Context) error
	Close() error
}

// Quiescer 在释放前把所有输出置低
type Quiescer interface {
	Quiesce() error
}

// Error 硬件调用失败
type Error struct {
	Device string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Device, e.Op, e.Err)
}

func (e *Error) Unwrap() []error { return []error{ErrHardware, e.Err} }
