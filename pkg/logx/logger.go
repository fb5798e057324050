package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a structured logger with key/value call sites.
// Fields may be passed as alternating key/value pairs or as a single
// map[string]interface{}.
type Logger struct {
	entry *logrus.Entry
}

// NewLogger creates a logger at the given level tagged with component.
// An empty component omits the tag.
func NewLogger(level, component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	if isTerminal(os.Stdout) {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{})
	}

	l := &Logger{entry: logrus.NewEntry(base)}
	if component != "" {
		l.entry = l.entry.WithField("component", component)
	}
	l.SetLevel(level)
	return l
}

// NewLoggerWithOutput is NewLogger writing JSON lines to w; used by tests
func NewLoggerWithOutput(w io.Writer, level, component string) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetFormatter(&logrus.JSONFormatter{})
	l := &Logger{entry: logrus.NewEntry(base)}
	if component != "" {
		l.entry = l.entry.WithField("component", component)
	}
	l.SetLevel(level)
	return l
}

// LevelForVerbosity maps the 0..3 verbosity scale (mute, error, info, verbose)
// to a level name
func LevelForVerbosity(verbosity int) string {
	switch {
	case verbosity <= 0:
		return "fatal"
	case verbosity == 1:
		return "error"
	case verbosity == 2:
		return "info"
	default:
		return "debug"
	}
}

// SetLevel changes the level. Unknown names fall back to info; "trace" is accepted.
func (l *Logger) SetLevel(level string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.base().SetLevel(lvl)
}

// Level returns the current level name
func (l *Logger) Level() string {
	return l.base().GetLevel().String()
}

// WithComponent returns a child logger tagged with a different component
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{entry: l.ent().WithField("component", component)}
}

// With returns a child logger carrying the given fields on every line
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{entry: l.ent().WithFields(toFields(kv))}
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(logrus.DebugLevel, msg, kv) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(logrus.InfoLevel, msg, kv) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.log(logrus.WarnLevel, msg, kv) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.log(logrus.ErrorLevel, msg, kv) }

// LogStateChange logs a component state transition at info level
func (l *Logger) LogStateChange(component, from, to, reason string, kv ...interface{}) {
	fields := toFields(kv)
	fields["state_component"] = component
	fields["from"] = from
	fields["to"] = to
	fields["reason"] = reason
	l.ent().WithFields(fields).Info("state_change")
}

// LogDebugVerbose logs an event with a field map at debug level
func (l *Logger) LogDebugVerbose(event string, fields map[string]interface{}) {
	if !l.base().IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	l.ent().WithFields(logrus.Fields(fields)).Debug(event)
}

func (l *Logger) log(level logrus.Level, msg string, kv []interface{}) {
	e := l.ent()
	if !e.Logger.IsLevelEnabled(level) {
		return
	}
	if len(kv) > 0 {
		e = e.WithFields(toFields(kv))
	}
	e.Log(level, msg)
}

// ent tolerates a zero Logger so that &logx.Logger{} is usable as a no-op default
func (l *Logger) ent() *logrus.Entry {
	if l == nil || l.entry == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		return logrus.NewEntry(discard)
	}
	return l.entry
}

func (l *Logger) base() *logrus.Logger {
	return l.ent().Logger
}

func toFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	if len(kv) == 1 {
		if m, ok := kv[0].(map[string]interface{}); ok {
			for k, v := range m {
				fields[k] = v
			}
			return fields
		}
	}
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if i+1 >= len(kv) {
			fields[key] = "(missing)"
			break
		}
		v := kv[i+1]
		if err, ok := v.(error); ok && err != nil {
			v = err.Error()
		}
		fields[key] = v
	}
	return fields
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
