package diag

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger 为最小结构化日志器：logrus JSON 单行输出；默认写入 logs/ 下的轮转文件。
type Logger struct {
	corrID string
	sink   *RotatingFile
	lg     *logrus.Logger
}

// NewLogger 通过配置的 level 初始化，并将日志写入默认目录 logs，10m 轮转。
func NewLogger(corrID, level string) *Logger {
	sink := NewRotatingFile("logs", 10*1024*1024)
	l := NewLoggerTo(sink, corrID, level)
	l.sink = sink
	return l
}

// NewLoggerTo 将日志写入给定 io.Writer（测试或 stderr 输出）。
// w 为 nil 时写 stderr。
func NewLoggerTo(w io.Writer, corrID, level string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	lg := logrus.New()
	lg.SetOutput(w)
	lg.SetLevel(parseLevel(level))
	lg.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "ts",
			logrus.FieldKeyMsg:  "msg",
		},
	})
	return &Logger{corrID: corrID, lg: lg}
}

func parseLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Close 关闭底层轮转文件（若有）。
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

// Event 为标准事件结构。
type Event struct {
	Comp  string
	Stage string // start|finish|error|event
	Code  string
	DurMS int64
	Count int64
	Dump  string
	Batch string
	Msg   string
	KV    map[string]string
}

func (l *Logger) log(lv logrus.Level, ev Event) {
	if l == nil || l.lg == nil || !l.lg.IsLevelEnabled(lv) {
		return
	}
	f := logrus.Fields{"corr_id": l.corrID, "comp": ev.Comp, "stage": ev.Stage}
	if ev.Code != "" {
		f["code"] = ev.Code
	}
	if ev.DurMS != 0 {
		f["dur_ms"] = ev.DurMS
	}
	if ev.Count != 0 {
		f["count"] = ev.Count
	}
	if ev.Dump != "" {
		f["dump"] = ev.Dump
	}
	if ev.Batch != "" {
		f["batch_id"] = ev.Batch
	}
	if len(ev.KV) > 0 {
		f["kv"] = ev.KV
	}
	l.lg.WithFields(f).Log(lv, ev.Msg)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	if l == nil {
		return nil
	}
	l.log(logrus.InfoLevel, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 dump/batch_id 的 start。
func (l *Logger) StartWith(comp, msg, dump, batch string) *Timer {
	if l == nil {
		return nil
	}
	l.log(logrus.InfoLevel, Event{Comp: comp, Stage: "start", Dump: dump, Batch: batch, Msg: msg})
	return &Timer{l: l, comp: comp, dump: dump, batch: batch, t0: time.Now()}
}

// StartWithKV 记录带 dump/batch_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, dump, batch string, kv map[string]string) *Timer {
	if l == nil {
		return nil
	}
	l.log(logrus.InfoLevel, Event{Comp: comp, Stage: "start", Dump: dump, Batch: batch, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, dump: dump, batch: batch, t0: time.Now()}
}

// Info 记录一般事件。
func (l *Logger) Info(comp, msg string, kv map[string]string) {
	l.log(logrus.InfoLevel, Event{Comp: comp, Stage: "event", Msg: msg, KV: kv})
}

// Warn 记录可继续运行的异常（如跳过的畸形文档、部分完成）。
func (l *Logger) Warn(comp, code, msg string, kv map[string]string) {
	l.log(logrus.WarnLevel, Event{Comp: comp, Stage: "event", Code: code, Msg: msg, KV: kv})
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(logrus.ErrorLevel, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg})
}

// ErrorWith 支持 dump/batch_id。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, dump, batch string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(logrus.ErrorLevel, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, Dump: dump, Batch: batch})
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, dump, batch string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(logrus.ErrorLevel, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, Dump: dump, Batch: batch, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(logrus.InfoLevel, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// DebugStart 输出调试级别的“start”类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, dump, batch string, kv map[string]string) {
	l.log(logrus.DebugLevel, Event{Comp: comp, Stage: "start", Dump: dump, Batch: batch, Msg: msg, KV: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l     *Logger
	comp  string
	dump  string
	batch string
	t0    time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	t.l.log(logrus.InfoLevel, Event{Comp: t.comp, Stage: "finish", DurMS: time.Since(t.t0).Milliseconds(), Count: count, Dump: t.dump, Batch: t.batch, Msg: msg})
}
