// Package failurelog records retryable and terminal pipeline errors in an
// append-only text file, one line per event:
//
//	2024-03-05 14:30:00 , post err: idx=3 missing hoscode
//
// Timestamps are local time.
package failurelog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/plk-sync/hissync/pkg/errors"
)

// TimeLayout is the timestamp prefix of every line.
const TimeLayout = "2006-01-02 15:04:05"

// Recorder accepts failure messages.
type Recorder interface {
	Append(message string)
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the clock used for line timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithLogger sets the logger used to report write failures.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// Log appends failure lines to a file.
type Log struct {
	path   string
	now    func() time.Time
	logger *zap.Logger
	mu     sync.Mutex
}

// Open prepares the log at path, creating its parent directory. An
// unwritable destination is reported here as a configuration error so that
// Append never has to fail a sync run.
func Open(path string, opts ...Option) (*Log, error) {
	l := &Log{
		path:   path,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failure log directory").WithDetail("path", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failure log not writable").WithDetail("path", path)
	}
	if err := f.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "close failure log")
	}
	return l, nil
}

// Path returns the destination file.
func (l *Log) Path() string { return l.path }

// newlines keeps a multi-line message, such as a response body, on one line.
var newlines = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// Append writes one line. Line breaks in message become spaces. Write errors
// are reported through the logger and otherwise swallowed.
func (l *Log) Append(message string) {
	line := fmt.Sprintf("%s , %s\n", l.now().Local().Format(TimeLayout), newlines.Replace(message))

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.write(line); err != nil {
		l.logger.Error("failed to append failure log", zap.String("path", l.path), zap.Error(err))
	}
}

func (l *Log) write(line string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Memory keeps messages in memory. It is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	messages []string
}

// Append records message.
func (m *Memory) Append(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, message)
}

// Messages returns a copy of the recorded messages.
func (m *Memory) Messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.messages))
	copy(out, m.messages)
	return out
}

// Nop discards every message.
type Nop struct{}

// Append does nothing.
func (Nop) Append(string) {}
