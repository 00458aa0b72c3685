package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"rig/Audio"
)

// 生成左右提示音 WAV 文件，写入后用 FFT 核对主频
func main() {
	outDir := flag.String("out", ".", "Output directory")
	rate := flag.Int("rate", 44100, "Sample rate")
	left := flag.Float64("left", 3000, "Left cue frequency (Hz)")
	right := flag.Float64("right", 6000, "Right cue frequency (Hz)")
	dur := flag.Duration("dur", 500*time.Millisecond, "Cue duration")
	amp := flag.Float64("amp", 0.5, "Amplitude (0-1)")
	flag.Parse()

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatal(err)
	}
	analyzer := Audio.NewSpectrumAnalyzer(float64(*rate), 4096)

	for _, cue := range []struct {
		name string
		freq float64
	}{{"left.wav", *left}, {"right.wav", *right}} {
		clip := Audio.Tone(Audio.ToneSpec{
			Frequency:  cue.freq,
			Amplitude:  *amp,
			Duration:   *dur,
			Ramp:       10 * time.Millisecond,
			SampleRate: *rate,
		})
		path := filepath.Join(*outDir, cue.name)
		if err := Audio.WriteWavFile(path, clip); err != nil {
			log.Fatalf("write %s: %v", path, err)
		}

		back, err := Audio.ReadWavFile(path)
		if err != nil {
			log.Fatalf("read back %s: %v", path, err)
		}
		f, _ := analyzer.DominantFrequency(back.Samples, 100, float64(*rate)/2)
		fmt.Printf("生成了 %s: %.0f Hz, %.2fs (检测主频 %.1f Hz)\n", path, cue.freq, back.Seconds(), f)
	}
}
