package rig

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/lestrrat-go/strftime"

	"rig/Audio"
	"rig/Hardware"
	"rig/Odors"
)

// ValvesPerBoard 每块阀门板的阀门数
const ValvesPerBoard = 8

// RigConfig 集中管理一台实验箱的设备、声音和日志参数
type RigConfig struct {
	// --- 设备 ---
	Devices struct {
		Simulate    bool `toml:"simulate"`     // true 时使用模拟设备，不连接硬件服务器
		ValveBoards int  `toml:"valve_boards"` // 阀门板数量，阀门数 = 8 * 板数
		UseMFC      bool `toml:"use_mfc"`      // 用 MFC 按比例混合气味
		UseMFCAir   bool `toml:"use_mfc_air"`  // 只用空气 MFC

		Serial struct {
			Port           string         `toml:"port"`
			Baud           int            `toml:"baud"`
			Channel        int            `toml:"channel"`
			ValvePort      int            `toml:"valve_port"`
			OutputPort     int            `toml:"output_port"`
			InputPort      int            `toml:"input_port"`
			MFCChannels    map[string]int `toml:"mfc_channels"` // air / a / b
			PollIntervalMs int            `toml:"poll_interval_ms"`
			ReadTimeoutMs  int            `toml:"read_timeout_ms"`
		} `toml:"serial"`
	} `toml:"devices"`

	// --- 声音提示 ---
	Audio struct {
		Enabled    bool    `toml:"enabled"`
		DeviceName string  `toml:"device_name"` // 播放设备名子串，空为默认设备
		SampleRate int     `toml:"sample_rate"`
		LeftCue    string  `toml:"left_cue"`  // WAV 文件，空时合成
		RightCue   string  `toml:"right_cue"` // WAV 文件，空时合成
		LeftFreq   float64 `toml:"left_freq"`
		RightFreq  float64 `toml:"right_freq"`
		Amplitude  float64 `toml:"amplitude"`
	} `toml:"audio"`

	// --- 日志 ---
	Log struct {
		Development bool   `toml:"development"`  // zap 开发模式 (彩色, debug 级别)
		Filename    string `toml:"log_filename"` // 试验 CSV 文件名模板
		FilterLen   int    `toml:"filter_len"`   // 成功率滑动窗口
	} `toml:"log"`

	ExperimentsFile string `toml:"experiments_file"`
	RecoveryDir     string `toml:"recovery_dir"`
}

// DefaultConfig 返回默认配置 (模拟模式)
func DefaultConfig() *RigConfig {
	cfg := &RigConfig{}

	cfg.Devices.Simulate = true
	cfg.Devices.ValveBoards = 1
	cfg.Devices.Serial.Port = "/dev/ttyUSB0"
	cfg.Devices.Serial.Baud = 115200
	cfg.Devices.Serial.Channel = 0
	cfg.Devices.Serial.ValvePort = 0
	cfg.Devices.Serial.OutputPort = 1
	cfg.Devices.Serial.InputPort = 2
	cfg.Devices.Serial.MFCChannels = map[string]int{Hardware.MFCAir: 0, Hardware.MFCA: 1, Hardware.MFCB: 2}
	cfg.Devices.Serial.PollIntervalMs = 5
	cfg.Devices.Serial.ReadTimeoutMs = 500

	cfg.Audio.Enabled = true
	cfg.Audio.SampleRate = 44100
	cfg.Audio.LeftFreq = 3000
	cfg.Audio.RightFreq = 6000
	cfg.Audio.Amplitude = 0.5

	cfg.Log.Filename = "{animal}_%m-%d-%Y_%I-%M-%S_%p.csv"
	cfg.Log.FilterLen = 10

	cfg.ExperimentsFile = "experiments.toml"
	cfg.RecoveryDir = "recovery"
	return cfg
}

// LoadConfig 在默认值上覆盖 TOML 文件，文件不存在时返回默认值
func LoadConfig(path string) (*RigConfig, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("rig config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *RigConfig) Validate() error {
	if c.Devices.ValveBoards <= 0 {
		return fmt.Errorf("valve_boards must be positive, got %d", c.Devices.ValveBoards)
	}
	if c.Log.FilterLen <= 0 {
		return fmt.Errorf("filter_len must be positive, got %d", c.Log.FilterLen)
	}
	if c.Log.Filename != "" {
		if _, err := strftime.New(c.Log.Filename); err != nil {
			return fmt.Errorf("log_filename %q: %w", c.Log.Filename, err)
		}
	}
	if c.Audio.Enabled && c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio sample_rate must be positive, got %d", c.Audio.SampleRate)
	}
	return nil
}

// Valves 阀门总数
func (c *RigConfig) Valves() int { return ValvesPerBoard * c.Devices.ValveBoards }

// ValveLines 阀门线名称 p0 ... p<n-1>
func (c *RigConfig) ValveLines() []string {
	lines := make([]string, c.Valves())
	for i := range lines {
		lines[i] = Odors.ValveName(i)
	}
	return lines
}

// SerialConfig 转换为硬件层的串口配置
func (c *RigConfig) SerialConfig() Hardware.SerialConfig {
	s := c.Devices.Serial
	mfcs := make(map[string]byte, len(s.MFCChannels))
	for name, ch := range s.MFCChannels {
		mfcs[name] = byte(ch)
	}
	return Hardware.SerialConfig{
		Port:         s.Port,
		Baud:         s.Baud,
		Channel:      byte(s.Channel),
		ValvePort:    byte(s.ValvePort),
		OutputPort:   byte(s.OutputPort),
		InputPort:    byte(s.InputPort),
		MFCChannels:  mfcs,
		PollInterval: time.Duration(s.PollIntervalMs) * time.Millisecond,
		ReadTimeout:  time.Duration(s.ReadTimeoutMs) * time.Millisecond,
	}
}

// CueTones 左右提示音的合成参数，文件缺省时使用
func (c *RigConfig) CueTones(d time.Duration) map[string]Audio.ToneSpec {
	tone := func(freq float64) Audio.ToneSpec {
		return Audio.ToneSpec{
			Frequency:  freq,
			Amplitude:  c.Audio.Amplitude,
			Duration:   d,
			Ramp:       10 * time.Millisecond,
			SampleRate: c.Audio.SampleRate,
		}
	}
	return map[string]Audio.ToneSpec{
		Odors.SideLeft:  tone(c.Audio.LeftFreq),
		Odors.SideRight: tone(c.Audio.RightFreq),
	}
}

// CueFiles 左右提示音文件
func (c *RigConfig) CueFiles() map[string]string {
	return map[string]string{
		Odors.SideLeft:  c.Audio.LeftCue,
		Odors.SideRight: c.Audio.RightCue,
	}
}
