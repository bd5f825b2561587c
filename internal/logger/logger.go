package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fatih/color"
)

const (
	LevelFatal slog.Level = 12
)

// logRetention is how long rotated log files are kept
const logRetention = 30 * 24 * time.Hour

// output is the rotating sink shared by a handler and every handler derived from it
type output struct {
	ch          chan []byte
	mu          sync.Mutex
	writer      io.Writer
	console     io.Writer
	currentDay  int      // day of year of the open file
	currentFile *os.File // open log file, nil when file logging is off
	basePath    string   // directory holding daily files, empty for console only
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

type AsyncHandler struct {
	out      *output
	attrs    []slog.Attr
	group    string
	logLevel slog.Level
}

// NewAsyncHandler writes to console and, when basePath is set, to basePath/YYYY-MM-DD.log
func NewAsyncHandler(basePath string, logLevel slog.Level, console io.Writer) *AsyncHandler {
	out := &output{
		ch:       make(chan []byte, 1024),
		console:  console,
		writer:   console,
		basePath: basePath,
	}
	if basePath != "" {
		if err := out.rotateIfNeeded(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "log file unavailable, console only: %v\n", err)
		}
		out.cleanOldLogs()
	}
	out.wg.Add(1)
	go out.startWorker()
	return &AsyncHandler{out: out, logLevel: logLevel}
}

func (o *output) cleanOldLogs() {
	files, _ := filepath.Glob(filepath.Join(o.basePath, "*.log"))
	now := time.Now()

	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) > logRetention {
			_ = os.Remove(f)
		}
	}
}

// rotateIfNeeded opens a new file when the day changed
func (o *output) rotateIfNeeded() error {
	if o.basePath == "" {
		return nil
	}
	now := time.Now()
	currentDay := now.YearDay()

	if currentDay == o.currentDay && o.currentFile != nil {
		return nil
	}

	if o.currentFile != nil {
		if err := o.currentFile.Close(); err != nil {
			return fmt.Errorf("fail to close log file: %w", err)
		}
		o.currentFile = nil
		o.writer = o.console
	}

	logPath := o.getLogPath(now)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("fail to create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("fail to create log file: %w", err)
	}

	o.currentFile = f
	o.currentDay = currentDay
	o.writer = io.MultiWriter(o.console, o.currentFile)
	return nil
}

func (o *output) getLogPath(now time.Time) string {
	return filepath.Join(o.basePath, now.Format("2006-01-02")+".log")
}

func (o *output) startWorker() {
	defer o.wg.Done()
	for data := range o.ch {
		o.mu.Lock()
		_ = o.rotateIfNeeded()
		_, _ = o.writer.Write(data)
		o.mu.Unlock()
	}
}

func (h *AsyncHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.logLevel
}

func (h *AsyncHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()

	switch r.Level {
	case slog.LevelDebug:
		level = color.MagentaString(level)
	case slog.LevelInfo:
		level = color.BlueString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	case LevelFatal:
		level = color.HiRedString("FATAL")
	}

	// time | level | message
	line := fmt.Sprintf(
		"%s | %-5s | %s",
		color.GreenString(r.Time.Format("2006-01-02T15:04:05")),
		level,
		color.CyanString(r.Message),
	)

	prefix := ""
	if h.group != "" {
		prefix = h.group + "."
	}
	for _, attr := range h.attrs {
		line += color.CyanString(fmt.Sprintf(" %s%s=%v", prefix, attr.Key, attr.Value))
	}
	r.Attrs(func(attr slog.Attr) bool {
		line += color.CyanString(fmt.Sprintf(" %s%s=%v", prefix, attr.Key, attr.Value))
		return true
	})

	line += "\n"

	h.Write([]byte(line))
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	newAttrs = append(newAttrs, attrs...)

	return &AsyncHandler{
		out:      h.out,
		attrs:    newAttrs,
		group:    h.group,
		logLevel: h.logLevel,
	}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{
		out:      h.out,
		attrs:    h.attrs,
		group:    name,
		logLevel: h.logLevel,
	}
}

func (h *AsyncHandler) Write(p []byte) {
	pb := make([]byte, len(p))
	copy(pb, p)
	h.out.ch <- pb
}

// Close drains pending lines and closes the current file
func (h *AsyncHandler) Close() error {
	var err error
	h.out.closeOnce.Do(func() {
		close(h.out.ch)
		h.out.wg.Wait()
		h.out.mu.Lock()
		defer h.out.mu.Unlock()
		if h.out.currentFile != nil {
			_ = h.out.currentFile.Sync()
			err = h.out.currentFile.Close()
		}
	})
	return err
}

type ShutdownCallback struct {
	handler *AsyncHandler
}

func (lc *ShutdownCallback) Invoke(_ context.Context) error {
	return lc.handler.Close()
}

// Init installs the colored async handler as the default slog logger
func Init(debugMode bool, basePath string) *ShutdownCallback {
	level := slog.LevelInfo
	if debugMode {
		level = slog.LevelDebug
	}
	handler := NewAsyncHandler(basePath, level, os.Stdout)
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logger initialized")
	return &ShutdownCallback{handler: handler}
}

func Debug(msg string, v ...interface{}) {
	slog.Debug(msg, v...)
}

func DebugF(msg string, v ...interface{}) {
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	slog.Debug(fmt.Sprintf(msg, v...))
}

func Info(msg string, v ...interface{}) {
	slog.Info(msg, v...)
}

func InfoF(msg string, v ...interface{}) {
	slog.Info(fmt.Sprintf(msg, v...))
}

func Warn(msg string, v ...interface{}) {
	slog.Warn(msg, v...)
}

func WarnF(msg string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(msg, v...))
}

func Error(msg string, v ...interface{}) {
	slog.Error(msg, v...)
}

func ErrorF(msg string, v ...interface{}) {
	slog.Error(fmt.Sprintf(msg, v...))
}

func Fatal(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, msg, v...)
}

func FatalF(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, fmt.Sprintf(msg, v...))
}
