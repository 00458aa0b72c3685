package TrialLog

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"
	"go.uber.org/zap"
)

// Header 日志文件的列，顺序固定
var Header = []string{
	"Date", "Time", "RatID", "Block", "Trial", "OdorName", "OdorIndex",
	"TrialSide", "SideWent", "Outcome", "Rewarded?", "TTNP", "TINP", "TTRP", "ITI",
}

// Outcome 试验结果
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeFail
	OutcomePass
	OutcomeIncomplete
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFail:
		return "fail"
	case OutcomePass:
		return "pass"
	case OutcomeIncomplete:
		return "inc"
	}
	return "none"
}

// Code 日志中的结果编码: fail=0, pass=1, incomplete=2, none 为空
func (o Outcome) Code() string {
	switch o {
	case OutcomeFail:
		return "0"
	case OutcomePass:
		return "1"
	case OutcomeIncomplete:
		return "2"
	}
	return ""
}

// Record 一个试验的日志行。nil 的时长写为空。
type Record struct {
	Start     time.Time // 试验开始的墙钟时间
	Animal    string
	Block     int
	Trial     int
	OdorName  string
	OdorIndex string // "p<i>"，无气味时为空
	Side      string
	SideWent  string
	Outcome   Outcome
	Rewarded  bool
	TTNP      *time.Duration
	TINP      *time.Duration
	TTRP      *time.Duration
	ITI       time.Duration
}

// Fields 按 Header 的顺序格式化
func (r Record) Fields() []string {
	return []string{
		r.Start.Format("01-02-2006"),
		r.Start.Format("15:04:05"),
		r.Animal,
		strconv.Itoa(r.Block),
		strconv.Itoa(r.Trial),
		r.OdorName,
		r.OdorIndex,
		r.Side,
		r.SideWent,
		r.Outcome.Code(),
		boolField(r.Rewarded),
		durationField(r.TTNP),
		durationField(r.TINP),
		durationField(r.TTRP),
		seconds(r.ITI),
	}
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func durationField(d *time.Duration) string {
	if d == nil {
		return ""
	}
	return seconds(*d)
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// Recorder 试验状态机只依赖这个接口
type Recorder interface {
	Write(rec Record) error
	Close() error
}

// CsvLogger 把每个试验追加到由文件名模板决定的 CSV 文件中。
// 文件名变化时关闭旧文件，以追加模式打开新文件；只有空文件才写表头。
type CsvLogger struct {
	Pattern string
	// Now 用于文件名中的日期格式化，nil 时使用 time.Now
	Now func() time.Time

	filename string
	file     *os.File
	writer   *bufio.Writer
	csv      *csv.Writer
	logger   *zap.Logger
}

// NewCsvLogger 创建日志器，pattern 中的 {animal} {block} {trial} 会被替换，
// 随后按 strftime 的 % 指令格式化
func NewCsvLogger(pattern string, logger *zap.Logger) *CsvLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CsvLogger{Pattern: pattern, logger: logger}
}

// Filename 计算记录对应的文件名，未知的 % 指令返回错误
func (l *CsvLogger) Filename(rec Record) (string, error) {
	if l.Pattern == "" {
		return "", nil
	}
	name := strings.NewReplacer(
		"{animal}", rec.Animal,
		"{block}", strconv.Itoa(rec.Block),
		"{trial}", strconv.Itoa(rec.Trial),
	).Replace(l.Pattern)
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	fname, err := strftime.Format(name, now())
	if err != nil {
		return "", fmt.Errorf("trial log filename %q: %w", l.Pattern, err)
	}
	return fname, nil
}

// Current 当前打开的文件名
func (l *CsvLogger) Current() string { return l.filename }

func (l *CsvLogger) Write(rec Record) error {
	fname, err := l.Filename(rec)
	if err != nil {
		return err
	}
	if fname == "" {
		return nil
	}
	if fname != l.filename {
		if err := l.rotate(fname); err != nil {
			return err
		}
	}

	if err := l.csv.Write(rec.Fields()); err != nil {
		return err
	}
	l.csv.Flush()
	if err := l.csv.Error(); err != nil {
		return err
	}
	return l.writer.Flush()
}

func (l *CsvLogger) rotate(fname string) error {
	if err := l.Close(); err != nil {
		l.logger.Warn("closing trial log failed", zap.String("file", l.filename), zap.Error(err))
	}

	if dir := filepath.Dir(fname); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(fname, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open trial log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	l.file = f
	l.writer = bufio.NewWriter(f)
	l.csv = csv.NewWriter(l.writer)
	l.filename = fname
	l.logger.Info("trial log opened", zap.String("file", fname))

	if info.Size() == 0 {
		if err := l.csv.Write(Header); err != nil {
			return err
		}
	}
	return nil
}

// Close 刷新并关闭当前文件
func (l *CsvLogger) Close() error {
	if l.file == nil {
		return nil
	}
	l.csv.Flush()
	ferr := l.writer.Flush()
	cerr := l.file.Close()
	l.file, l.writer, l.csv = nil, nil, nil
	l.filename = ""
	if ferr != nil {
		return ferr
	}
	return cerr
}

// NoOpRecorder 不记录任何内容
type NoOpRecorder struct{}

func (NoOpRecorder) Write(Record) error { return nil }
func (NoOpRecorder) Close() error       { return nil }

var (
	_ Recorder = (*CsvLogger)(nil)
	_ Recorder = NoOpRecorder{}
)
