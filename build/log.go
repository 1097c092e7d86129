package build

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Log is the root logger for the whole application. Packages with their
// own subsystem should use AddSubLogger instead.
var Log = logrus.New()

var (
	logConfigLock sync.Mutex
	subLoggers    = map[string]*logrus.Logger{}
)

func init() {
	Log.SetLevel(logrus.InfoLevel)
	Log.SetFormatter(newFormatter())
}

func newFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		ForceColors:     true,
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	}
}

// AddSubLogger creates a logger for the given subsystem with the standard
// format. The logger is registered so SetLogLevels can reach it later.
func AddSubLogger(subsystem string) *logrus.Logger {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	if logger, ok := subLoggers[subsystem]; ok {
		return logger
	}

	logger := logrus.New()
	logger.SetLevel(Log.Level)
	logger.SetFormatter(newFormatter())
	subLoggers[subsystem] = logger
	return logger
}

// SetLogLevel sets the log level for a single subsystem.
func SetLogLevel(subsystem string, level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	if logger, ok := subLoggers[subsystem]; ok {
		logger.SetLevel(level)
	}
}

// SetLogLevels sets the log level for the root logger and every subsystem.
func SetLogLevels(level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	Log.SetLevel(level)
	for _, logger := range subLoggers {
		logger.SetLevel(level)
	}
}

// ToLogLevel takes in a string and converts it to a Logrus log level
func ToLogLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	case "fatal":
		return logrus.FatalLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("%s is not a valid log level", s)
	}
}
