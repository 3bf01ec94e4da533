package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const (
	timestampFormat = "02/01/2006 15:04:05"
	spacer          = " | "
	defaultLevels   = "INFO|WARN|ERROR"

	infoHeader  = "[INFO]"
	warnHeader  = "[WARN]"
	debugHeader = "[DEBUG]"
	errorHeader = "[ERROR]"
)

var (
	mu     sync.RWMutex
	output io.Writer = os.Stdout
)

// logFields is a snapshot of sub logger state so a log line cannot be
// modified mid-write
type logFields struct {
	name   string
	levels Levels
	output io.Writer
}

// SetOutput redirects all log output, primarily for tests and file logging
func SetOutput(w io.Writer) {
	mu.Lock()
	output = w
	mu.Unlock()
}

func (f *logFields) stagef(header, format string, v ...interface{}) {
	if f == nil {
		return
	}
	fmt.Fprintf(f.output, "%s%s%s%s%s%s\n",
		time.Now().Format(timestampFormat),
		spacer,
		f.name,
		spacer,
		header+" ",
		fmt.Sprintf(format, v...))
}

func (f *logFields) stageln(header string, v ...interface{}) {
	if f == nil {
		return
	}
	fmt.Fprintf(f.output, "%s%s%s%s%s%s\n",
		time.Now().Format(timestampFormat),
		spacer,
		f.name,
		spacer,
		header+" ",
		fmt.Sprint(v...))
}

// Infof takes a pointer sub logger, a format string and values and writes an
// info level entry
func Infof(sl *SubLogger, format string, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	fields := sl.getFields()
	if fields == nil || !fields.levels.Info {
		return
	}
	fields.stagef(infoHeader, format, v...)
}

// Infoln takes a pointer sub logger and values and writes an info level entry
func Infoln(sl *SubLogger, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	fields := sl.getFields()
	if fields == nil || !fields.levels.Info {
		return
	}
	fields.stageln(infoHeader, v...)
}

// Debugf takes a pointer sub logger, a format string and values and writes a
// debug level entry
func Debugf(sl *SubLogger, format string, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	fields := sl.getFields()
	if fields == nil || !fields.levels.Debug {
		return
	}
	fields.stagef(debugHeader, format, v...)
}

// Debugln takes a pointer sub logger and values and writes a debug level entry
func Debugln(sl *SubLogger, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	fields := sl.getFields()
	if fields == nil || !fields.levels.Debug {
		return
	}
	fields.stageln(debugHeader, v...)
}

// Warnf takes a pointer sub logger, a format string and values and writes a
// warn level entry
func Warnf(sl *SubLogger, format string, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	fields := sl.getFields()
	if fields == nil || !fields.levels.Warn {
		return
	}
	fields.stagef(warnHeader, format, v...)
}

// Warnln takes a pointer sub logger and values and writes a warn level entry
func Warnln(sl *SubLogger, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	fields := sl.getFields()
	if fields == nil || !fields.levels.Warn {
		return
	}
	fields.stageln(warnHeader, v...)
}

// Errorf takes a pointer sub logger, a format string and values and writes an
// error level entry
func Errorf(sl *SubLogger, format string, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	fields := sl.getFields()
	if fields == nil || !fields.levels.Error {
		return
	}
	fields.stagef(errorHeader, format, v...)
}

// Errorln takes a pointer sub logger and values and writes an error level entry
func Errorln(sl *SubLogger, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	fields := sl.getFields()
	if fields == nil || !fields.levels.Error {
		return
	}
	fields.stageln(errorHeader, v...)
}
