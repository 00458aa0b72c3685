package Audio

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

var (
	ErrNoCue        = errors.New("no cue for side")
	ErrCueFrequency = errors.New("cue frequency mismatch")
)

// Player 在播放设备上循环输出左右声音提示。
// 设备一直在运行，没有提示时输出静音。
type Player struct {
	SampleRate int

	ctx    *malgo.AllocatedContext
	device *malgo.Device
	logger *zap.Logger

	mu   sync.Mutex
	cues map[string]*Clip
	src  cueSource
}

// cueSource 当前正在播放的提示，短于 remaining 时循环
type cueSource struct {
	samples   []float32
	pos       int
	remaining int
}

func (s *cueSource) fill(out []float32) {
	for i := range out {
		if s.remaining <= 0 || len(s.samples) == 0 {
			clear(out[i:])
			return
		}
		out[i] = s.samples[s.pos]
		s.pos = (s.pos + 1) % len(s.samples)
		s.remaining--
	}
}

// NewPlayer 打开播放设备，cues 的采样率必须等于 sampleRate。
// deviceName 为空时用系统默认设备，否则按名字子串匹配。
func NewPlayer(sampleRate int, deviceName string, cues map[string]*Clip, logger *zap.Logger) (*Player, error) {
	p, err := newPlayer(sampleRate, cues, logger)
	if err != nil {
		return nil, err
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init malgo context: %w", err)
	}
	p.ctx = ctx

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	if deviceName != "" {
		infos, err := ctx.Devices(malgo.Playback)
		if err == nil {
			for _, info := range infos {
				if strings.Contains(strings.ToLower(info.Name()), strings.ToLower(deviceName)) {
					cfg.Playback.DeviceID = info.ID.Pointer()
					p.logger.Info("selected playback device", zap.String("device", info.Name()))
					break
				}
			}
		}
	}

	onSendFrames := func(pOutputSample, _ []byte, framecount uint32) {
		if len(pOutputSample) == 0 {
			return
		}
		out := unsafe.Slice((*float32)(unsafe.Pointer(&pOutputSample[0])), int(framecount))
		p.mu.Lock()
		p.src.fill(out)
		p.mu.Unlock()
	}

	device, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{Data: onSendFrames})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to init playback device: %w", err)
	}
	p.device = device
	if err := device.Start(); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}
	p.logger.Info("playback device started", zap.Uint32("rate", device.SampleRate()))
	return p, nil
}

func newPlayer(sampleRate int, cues map[string]*Clip, logger *zap.Logger) (*Player, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for side, c := range cues {
		if c.SampleRate != sampleRate {
			return nil, fmt.Errorf("cue %q sample rate %d, device %d", side, c.SampleRate, sampleRate)
		}
	}
	return &Player{
		SampleRate: sampleRate,
		cues:       cues,
		logger:     logger.Named("audio"),
	}, nil
}

// Play 开始播放 side 的提示，持续 d 后静音，立即返回。
// 新的 Play 会打断正在播放的提示。
func (p *Player) Play(side string, d time.Duration) error {
	clip, ok := p.cues[side]
	if !ok {
		return fmt.Errorf("%w %q", ErrNoCue, side)
	}
	p.mu.Lock()
	p.src = cueSource{
		samples:   clip.Samples,
		remaining: int(d.Seconds() * float64(p.SampleRate)),
	}
	p.mu.Unlock()
	p.logger.Debug("cue", zap.String("side", side), zap.Duration("duration", d))
	return nil
}

// Silence 停止当前提示
func (p *Player) Silence() {
	p.mu.Lock()
	p.src = cueSource{}
	p.mu.Unlock()
}

// Playing 是否还有未输出的提示
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.src.remaining > 0
}

// Close 停止设备并释放资源
func (p *Player) Close() error {
	if p.device != nil {
		p.device.Uninit()
		p.device = nil
	}
	if p.ctx != nil {
		err := p.ctx.Uninit()
		p.ctx.Free()
		p.ctx = nil
		return err
	}
	return nil
}

// LoadCues 读取左右提示音文件，路径为空时用 fallback 合成
func LoadCues(paths map[string]string, fallback map[string]ToneSpec, analyzer *SpectrumAnalyzer, logger *zap.Logger) (map[string]*Clip, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cues := make(map[string]*Clip)
	for side, spec := range fallback {
		var clip *Clip
		if path := paths[side]; path != "" {
			c, err := ReadWavFile(path)
			if err != nil {
				return nil, err
			}
			clip = c
		} else {
			clip = Tone(spec)
		}
		fields := []zap.Field{zap.String("side", side), zap.Float64("seconds", clip.Seconds())}
		if analyzer != nil {
			f, mag := analyzer.DominantFrequency(clip.Samples, 100, float64(clip.SampleRate)/2)
			fields = append(fields, zap.Float64("dominant_hz", f))
			// 合成的提示音必须落在设定频率的一个频点之内
			if paths[side] == "" && mag > 0 && math.Abs(f-spec.Frequency) > analyzer.BinWidth() {
				return nil, fmt.Errorf("%w: %s cue at %.1f Hz, want %.1f Hz", ErrCueFrequency, side, f, spec.Frequency)
			}
		}
		logger.Info("cue loaded", fields...)
		cues[side] = clip
	}
	return cues, nil
}
