package logging

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultTimeFormatStr is the default time format string for log appenders.
const DefaultTimeFormatStr = "2006-01-02T15:04:05.000Z0700"

// Appender is an output for log entries. This is a subset of the `zapcore.Core` interface.
type Appender interface {
	// Write submits a structured log entry to the appender for logging.
	Write(zapcore.Entry, []zapcore.Field) error
	// Sync is for signaling that any buffered logs to `Write` should be flushed. E.g: at shutdown.
	Sync() error
}

// ConsoleAppender will create human readable log lines. A ConsoleAppender
// can be used to output to stdout or a file.
type ConsoleAppender struct {
	mu sync.Mutex
	io.Writer
}

// NewWriterAppender creates a new appender that outputs to the input writer.
func NewWriterAppender(writer io.Writer) *ConsoleAppender {
	return &ConsoleAppender{Writer: writer}
}

// FileConfig describes a rotating log file.
type FileConfig struct {
	Filename   string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}

// NewFileAppender returns an appender writing human readable lines to a size-rotated file,
// along with the closer for the underlying file.
func NewFileAppender(cfg FileConfig) (*ConsoleAppender, io.Closer) {
	maxSize := cfg.MaxSizeMB
	if maxSize == 0 {
		maxSize = 10
	}
	writer := &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	return NewWriterAppender(writer), writer
}

// Write outputs the log entry to the underlying stream.
func (appender *ConsoleAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	const maxLength = 10
	toPrint := make([]string, 0, maxLength)
	toPrint = append(toPrint, entry.Time.Format(DefaultTimeFormatStr))

	toPrint = append(toPrint, strings.ToUpper(entry.Level.String()))
	if entry.LoggerName != "" {
		toPrint = append(toPrint, entry.LoggerName)
	}
	if entry.Caller.Defined {
		toPrint = append(toPrint, callerToString(&entry.Caller))
	}
	toPrint = append(toPrint, entry.Message)

	if len(fields) > 0 {
		// Use zap's json encoder which will encode our slice of fields in-order. As opposed to
		// the random iteration order of a map.
		jsonEncoder := zapcore.NewJSONEncoder(zapcore.EncoderConfig{SkipLineEnding: true})
		buf, err := jsonEncoder.EncodeEntry(zapcore.Entry{}, fields)
		if err != nil {
			appender.print(toPrint)
			return err
		}
		toPrint = append(toPrint, string(buf.Bytes()))
	}

	appender.print(toPrint)
	return nil
}

func (appender *ConsoleAppender) print(parts []string) {
	appender.mu.Lock()
	defer appender.mu.Unlock()
	fmt.Fprintln(appender.Writer, strings.Join(parts, "\t"))
}

// Sync is a no-op.
func (appender *ConsoleAppender) Sync() error {
	return nil
}

// callerToString renders "package/file.go:line" the way zap's short caller encoder does.
func callerToString(caller *zapcore.EntryCaller) string {
	return caller.TrimmedPath()
}
