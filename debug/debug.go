package debug

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
)

type Severity int

const (
	DEBUG Severity = iota
	INFO
	WARN
	ERROR
)

func (s Severity) String() string {
	switch s {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

var (
	mu           sync.Mutex
	debugEnabled bool
	out          io.Writer = os.Stderr
	logFile      *os.File
)

var isTerminal = func(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// useColor reports whether w should get colored output. NO_COLOR and a
// dumb TERM turn colors off everywhere.
func useColor(w io.Writer) bool {
	return isTerminal(w) && os.Getenv("NO_COLOR") == "" && os.Getenv("TERM") != "dumb"
}

func init() {
	color.NoColor = !useColor(os.Stderr)
}

// SetDebug enables or disables debug output
func SetDebug(enabled bool) {
	mu.Lock()
	debugEnabled = enabled
	mu.Unlock()
}

// Enabled reports whether DEBUG messages are printed
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return debugEnabled
}

// SetOutput redirects console messages. Colors are dropped unless w is a terminal.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	color.NoColor = !useColor(w)
}

// SetLogFile appends every message, without colors, to the file at path
func SetLogFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	return nil
}

// CloseLogFile stops file logging
func CloseLogFile() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// Debug outputs debug messages with severity levels and colors
func Debug(message string, severity Severity) {
	var colorFunc func(format string, a ...interface{}) string

	mu.Lock()
	defer mu.Unlock()

	switch severity {
	case DEBUG:
		if !debugEnabled {
			return
		}
		colorFunc = color.New(color.Faint).SprintfFunc()
	case INFO:
		colorFunc = color.New(color.FgGreen).SprintfFunc()
	case WARN:
		colorFunc = color.New(color.FgYellow).SprintfFunc()
	default:
		severity = ERROR
		colorFunc = color.New(color.FgRed).SprintfFunc()
	}

	prefix := "[" + severity.String() + "]"
	fmt.Fprintln(out, colorFunc("%s %s", prefix, message))

	if logFile != nil {
		fmt.Fprintf(logFile, "%s %s %s\n", time.Now().Format("15:04:05.000000"), prefix, message)
	}
}
