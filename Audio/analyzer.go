package Audio

import (
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

// SpectrumAnalyzer 主频检测，用于核对加载的提示音
type SpectrumAnalyzer struct {
	SampleRate float64
	FFTSize    int
	Window     []float64
}

func NewSpectrumAnalyzer(sampleRate float64, fftSize int) *SpectrumAnalyzer {
	return &SpectrumAnalyzer{
		SampleRate: sampleRate,
		FFTSize:    fftSize,
		Window:     window.Hann(fftSize),
	}
}

// BinWidth 每个 FFT 频点的宽度 (Hz)
func (sa *SpectrumAnalyzer) BinWidth() float64 {
	return sa.SampleRate / float64(sa.FFTSize)
}

// DominantFrequency 在 [minFreq, maxFreq) 内寻找幅度最大的频率，
// 样本不足一个 FFT 帧时返回 0
func (sa *SpectrumAnalyzer) DominantFrequency(samples []float32, minFreq, maxFreq float64) (float64, float64) {
	if len(samples) < sa.FFTSize {
		return 0, 0
	}

	// 取中间一帧，避开淡入淡出
	off := (len(samples) - sa.FFTSize) / 2
	input := make([]float64, sa.FFTSize)
	for i := range input {
		input[i] = float64(samples[off+i]) * sa.Window[i]
	}
	spectrum := fft.FFTReal(input)

	binWidth := sa.SampleRate / float64(sa.FFTSize)
	start := max(int(minFreq/binWidth), 0)
	end := min(int(maxFreq/binWidth), len(spectrum)/2)

	mags := make([]float64, len(spectrum)/2+1)
	maxMag, maxIndex := 0.0, 0
	for i := start; i < end; i++ {
		mags[i] = cmplx.Abs(spectrum[i])
		if mags[i] > maxMag {
			maxMag = mags[i]
			maxIndex = i
		}
	}

	// 抛物线插值
	freq := float64(maxIndex) * binWidth
	if maxIndex > 0 && maxIndex < len(mags)-1 {
		a, b, c := mags[maxIndex-1], mags[maxIndex], mags[maxIndex+1]
		if denom := a - 2*b + c; denom != 0 {
			freq = (float64(maxIndex) + 0.5*(a-c)/denom) * binWidth
		}
	}
	return freq, maxMag
}
