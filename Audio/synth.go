package Audio

import (
	"math"
	"time"

	"github.com/mjibson/go-dsp/window"
)

// ToneSpec 提示音参数
type ToneSpec struct {
	Frequency  float64       // Hz
	Amplitude  float64       // 0 ~ 1
	Duration   time.Duration // 总时长
	Ramp       time.Duration // 淡入淡出时长，避免爆音
	SampleRate int
}

// Tone 合成正弦提示音，两端用 Hann 窗的半边做包络
func Tone(spec ToneSpec) *Clip {
	n := int(spec.Duration.Seconds() * float64(spec.SampleRate))
	out := make([]float32, n)
	step := 2 * math.Pi * spec.Frequency / float64(spec.SampleRate)
	for i := range out {
		out[i] = float32(spec.Amplitude * math.Sin(step*float64(i)))
	}

	ramp := min(int(spec.Ramp.Seconds()*float64(spec.SampleRate)), n/2)
	if ramp > 1 {
		env := window.Hann(2 * ramp)
		for i := 0; i < ramp; i++ {
			out[i] *= float32(env[i])
			out[n-1-i] *= float32(env[2*ramp-1-i])
		}
	}
	return &Clip{SampleRate: spec.SampleRate, Samples: out}
}
