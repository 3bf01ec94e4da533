package log

import (
	"strings"
)

// Global vars related to the logger package
var (
	subLoggers = map[string]*SubLogger{}

	Global          *SubLogger
	ConfigMgr       *SubLogger
	TickerMgr       *SubLogger
	SubscriptionMgr *SubLogger
	WebsocketMgr    *SubLogger
	SessionMgr      *SubLogger
	SyncMgr         *SubLogger
	GatewayMgr      *SubLogger
	QuoteSys        *SubLogger
)

// Levels flags for each sub logger type
type Levels struct {
	Info, Debug, Warn, Error bool
}

// SubLogger defines a sub logger that can be used externally for packages
// wanted to log to a specific subsystem name
type SubLogger struct {
	name   string
	levels Levels
}

func init() {
	Global = registerNewSubLogger("LOG")
	ConfigMgr = registerNewSubLogger("CONFIG")
	TickerMgr = registerNewSubLogger("TICKER")
	SubscriptionMgr = registerNewSubLogger("SUBSCRIPTION")
	WebsocketMgr = registerNewSubLogger("WEBSOCKET")
	SessionMgr = registerNewSubLogger("SESSION")
	SyncMgr = registerNewSubLogger("SYNC")
	GatewayMgr = registerNewSubLogger("GATEWAY")
	QuoteSys = registerNewSubLogger("QUOTE")
}

func registerNewSubLogger(name string) *SubLogger {
	sl := &SubLogger{
		name:   strings.ToUpper(name),
		levels: splitLevel(defaultLevels),
	}
	mu.Lock()
	subLoggers[sl.name] = sl
	mu.Unlock()
	return sl
}

// SetLevel overrides the enabled levels for a sub logger, e.g. "INFO|WARN|ERROR"
func (sl *SubLogger) SetLevel(level string) {
	mu.Lock()
	sl.levels = splitLevel(level)
	mu.Unlock()
}

// SetGlobalLevel sets enabled levels across every registered sub logger
func SetGlobalLevel(level string) {
	mu.Lock()
	for _, sl := range subLoggers {
		sl.levels = splitLevel(level)
	}
	mu.Unlock()
}

func splitLevel(level string) (l Levels) {
	enabledLevels := strings.Split(level, "|")
	for x := range enabledLevels {
		switch enabledLevels[x] {
		case "DEBUG":
			l.Debug = true
		case "INFO":
			l.Info = true
		case "WARN":
			l.Warn = true
		case "ERROR":
			l.Error = true
		}
	}
	return
}

func (sl *SubLogger) getFields() *logFields {
	if sl == nil {
		return nil
	}
	return &logFields{
		name:   sl.name,
		levels: sl.levels,
		output: output,
	}
}
