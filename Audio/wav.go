package Audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var ErrWavFormat = errors.New("invalid wav file")

// Clip 解码后的单声道音频
type Clip struct {
	SampleRate int
	Samples    []float32
}

// Seconds 时长 (秒)
func (c *Clip) Seconds() float64 {
	if c.SampleRate == 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// ReadWavFile 读取 16-bit PCM 文件，多声道只取第一个声道
func ReadWavFile(path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	clip, err := ReadWav(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return clip, nil
}

// ReadWav 解析 RIFF 块，跳过未知块
func ReadWav(r io.ReadSeeker) (*Clip, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWavFormat, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, ErrWavFormat
	}

	var channels, sampleRate, bits int
	var data []byte
	foundFmt := false
	for data == nil {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))
		pad := size % 2

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("%w: fmt chunk too small", ErrWavFormat)
			}
			buf := make([]byte, size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, err
			}
			if pad > 0 {
				if _, err := r.Seek(pad, io.SeekCurrent); err != nil {
					return nil, err
				}
			}
			channels = int(binary.LittleEndian.Uint16(buf[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(buf[4:8]))
			bits = int(binary.LittleEndian.Uint16(buf[14:16]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return nil, fmt.Errorf("%w: data before fmt", ErrWavFormat)
			}
			data = make([]byte, size)
			n, err := io.ReadFull(r, data)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, err
			}
			// 截断的文件按实际长度处理
			data = data[:n]
		default:
			if _, err := r.Seek(size+pad, io.SeekCurrent); err != nil {
				return nil, err
			}
		}
	}

	if !foundFmt || data == nil {
		return nil, fmt.Errorf("%w: missing fmt or data chunk", ErrWavFormat)
	}
	if bits != 16 {
		return nil, fmt.Errorf("%w: only 16-bit wav supported, got %d", ErrWavFormat, bits)
	}
	if channels < 1 {
		return nil, fmt.Errorf("%w: %d channels", ErrWavFormat, channels)
	}

	frame := 2 * channels
	out := make([]float32, len(data)/frame)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(data[i*frame:]))
		out[i] = float32(v) / 32768.0
	}
	return &Clip{SampleRate: sampleRate, Samples: out}, nil
}

// WavWriter 单声道 16-bit 写入器，Close 时回写头
type WavWriter struct {
	w          io.WriteSeeker
	sampleRate int
	dataSize   int
}

func NewWavWriter(w io.WriteSeeker, sampleRate int) (*WavWriter, error) {
	// 占位头，Close 时回写
	if _, err := w.Write(make([]byte, 44)); err != nil {
		return nil, err
	}
	return &WavWriter{w: w, sampleRate: sampleRate}, nil
}

// WriteSamples 写入 -1.0 ~ 1.0 的采样，超出部分限幅
func (w *WavWriter) WriteSamples(samples []float32) error {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		s = max(-1, min(1, s))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(s*32767)))
	}
	n, err := w.w.Write(buf)
	w.dataSize += n
	return err
}

// Close 回写头，不关闭底层 writer
func (w *WavWriter) Close() error {
	header := make([]byte, 44)
	copy(header[0:], "RIFF")
	binary.LittleEndian.PutUint32(header[4:], uint32(36+w.dataSize))
	copy(header[8:], "WAVE")
	copy(header[12:], "fmt ")
	binary.LittleEndian.PutUint32(header[16:], 16)
	binary.LittleEndian.PutUint16(header[20:], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:], 1) // mono
	binary.LittleEndian.PutUint32(header[24:], uint32(w.sampleRate))
	binary.LittleEndian.PutUint32(header[28:], uint32(w.sampleRate*2))
	binary.LittleEndian.PutUint16(header[32:], 2)
	binary.LittleEndian.PutUint16(header[34:], 16)
	copy(header[36:], "data")
	binary.LittleEndian.PutUint32(header[40:], uint32(w.dataSize))

	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.w.Write(header); err != nil {
		return err
	}
	_, err := w.w.Seek(0, io.SeekEnd)
	return err
}

// WriteWavFile 把整段采样写成文件
func WriteWavFile(path string, clip *Clip) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w, err := NewWavWriter(f, clip.SampleRate)
	if err != nil {
		f.Close()
		return err
	}
	if err := w.WriteSamples(clip.Samples); err != nil {
		f.Close()
		return err
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
