package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger writes one markdown file per session under a logs directory.
// Every notable event (timer set, nudges, AI chat, karma changes) is
// appended as a timestamped bullet. A Logger with an empty directory is
// disabled and every call is a no-op, so callers never nil-check.
type Logger struct {
	dir string

	mu          sync.Mutex
	currentFile string
}

// NewLogger creates a session logger writing into dir. An empty dir
// disables logging.
func NewLogger(dir string) *Logger {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logrus.Errorf("failed to create session logs dir %s, logging disabled: %v", dir, err)
			dir = ""
		}
	}
	return &Logger{dir: dir}
}

// StartSession begins a new log file named by the start timestamp.
func (l *Logger) StartSession() {
	if l.dir == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.currentFile = filepath.Join(l.dir, now.Format("2006-01-02_15-04-05")+".md")

	header := fmt.Sprintf("# Session %s\n\n", now.Format("2006-01-02 15:04"))
	if err := os.WriteFile(l.currentFile, []byte(header), 0o644); err != nil {
		logrus.Errorf("failed to start session log: %v", err)
		l.currentFile = ""
		return
	}
	l.appendLocked("Session started")
}

// Log appends a timestamped bullet to the current session file.
func (l *Logger) Log(entry string) {
	if l.dir == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked(entry)
}

func (l *Logger) appendLocked(entry string) {
	if l.currentFile == "" {
		return
	}

	f, err := os.OpenFile(l.currentFile, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		logrus.Errorf("failed to open session log: %v", err)
		return
	}
	defer func() { _ = f.Close() }()

	line := fmt.Sprintf("- **%s** %s\n", time.Now().Format("15:04:05"), entry)
	if _, err := f.WriteString(line); err != nil {
		logrus.Errorf("failed to append session log: %v", err)
	}
}

// SessionFiles returns every session log path, newest first.
func (l *Logger) SessionFiles() []string {
	if l.dir == "" {
		return nil
	}

	matches, err := filepath.Glob(filepath.Join(l.dir, "*.md"))
	if err != nil {
		return nil
	}
	// File names sort chronologically; reverse for newest first.
	for i, j := 0, len(matches)-1; i < j; i, j = i+1, j-1 {
		matches[i], matches[j] = matches[j], matches[i]
	}
	return matches
}
