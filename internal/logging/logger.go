package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Console levels for CLI output
const (
	Error   = 40
	Warning = 30
	Info    = 20
	Debug   = 10
)

var (
	consoleLevel int       = Info
	consoleOut   io.Writer = os.Stderr
	consoleMu    sync.Mutex
)

func init() {
	localEnv := os.Getenv("LOCAL")
	if strings.ToLower(localEnv) == "true" || localEnv == "1" {
		SetLogLevel(Debug)
	}
}

// SetLogLevel sets the console threshold
func SetLogLevel(level int) {
	consoleMu.Lock()
	defer consoleMu.Unlock()
	consoleLevel = level
}

// SetLogLevelName sets the threshold from debug|info|warn|error
func SetLogLevelName(name string) {
	switch strings.ToLower(name) {
	case "debug":
		SetLogLevel(Debug)
	case "warn", "warning":
		SetLogLevel(Warning)
	case "error":
		SetLogLevel(Error)
	default:
		SetLogLevel(Info)
	}
}

// SetOutput redirects console output; nil restores stderr
func SetOutput(w io.Writer) {
	consoleMu.Lock()
	defer consoleMu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	consoleOut = w
}

func logf(level int, tag, format string, v ...interface{}) {
	consoleMu.Lock()
	defer consoleMu.Unlock()
	if consoleLevel <= level {
		fmt.Fprintf(consoleOut, "["+tag+"] "+format+"\n", v...)
	}
}

func Debugf(format string, v ...interface{}) {
	logf(Debug, "DEBUG", format, v...)
}

func Infof(format string, v ...interface{}) {
	logf(Info, "INFO", format, v...)
}

func Warningf(format string, v ...interface{}) {
	logf(Warning, "WARN", format, v...)
}

func Errorf(format string, v ...interface{}) {
	logf(Error, "ERROR", format, v...)
}
