package lnmobile

import (
	"path/filepath"
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnmobile/build"
	"github.com/lightningnetwork/lnmobile/lncfg"
	"github.com/lightningnetwork/lnmobile/monitoring"
	"github.com/lightningnetwork/lnmobile/netstatus"
	"github.com/lightningnetwork/lnmobile/signal"
	"github.com/lightningnetwork/lnmobile/socks5"
	"github.com/lightningnetwork/lnmobile/tor"
)

// Subsystem defines the logging code for the root package.
const Subsystem = "LNMB"

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend. When adding new
// subsystems, register them in setupLoggers.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by
// calling initLogging.
var (
	// logRotator is one of the logging outputs. It should be closed on
	// application shutdown.
	logRotator = build.NewRotatingLogWriter()

	logWriter = &build.LogWriter{Rotator: logRotator}

	logMgr = newLogManager(btclog.NewBackend(logWriter))

	lnmbLog btclog.Logger
)

// Initialize package-global logger variables.
func init() {
	logMgr.setupLoggers()
}

// logManager owns the subsystem loggers of all packages and implements
// build.LeveledSubLogger on top of them.
type logManager struct {
	mu      sync.Mutex
	backend *btclog.Backend
	loggers build.SubLoggers
	setters map[string]func(btclog.Logger)
}

// A compile-time check to ensure logManager implements
// build.LeveledSubLogger.
var _ build.LeveledSubLogger = (*logManager)(nil)

func newLogManager(backend *btclog.Backend) *logManager {
	return &logManager{
		backend: backend,
		loggers: make(build.SubLoggers),
		setters: make(map[string]func(btclog.Logger)),
	}
}

// setupLoggers registers the loggers of every subsystem.
func (m *logManager) setupLoggers() {
	m.addSubLogger(Subsystem, func(l btclog.Logger) {
		lnmbLog = l
	})
	m.addSubLogger(netstatus.LogSubsystem, netstatus.UseLogger)
	m.addSubLogger(socks5.Subsystem, socks5.UseLogger)
	m.addSubLogger(tor.Subsystem, tor.UseLogger)
	m.addSubLogger(signal.Subsystem, signal.UseLogger)
	m.addSubLogger(monitoring.Subsystem, monitoring.UseLogger)
}

// addSubLogger creates a logger for the subsystem and hands it to the
// package.
func (m *logManager) addSubLogger(subsystem string,
	useLogger func(btclog.Logger)) {

	m.mu.Lock()
	defer m.mu.Unlock()

	logger := build.NewSubLogger(subsystem, m.backend.Logger)
	useLogger(logger)

	m.loggers[subsystem] = logger
	m.setters[subsystem] = useLogger
}

// setBackend recreates all subsystem loggers on a new backend. Log levels
// are carried over.
func (m *logManager) setBackend(backend *btclog.Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.backend = backend
	for subsystem, old := range m.loggers {
		logger := build.NewSubLogger(subsystem, backend.Logger)
		logger.SetLevel(old.Level())

		m.setters[subsystem](logger)
		m.loggers[subsystem] = logger
	}
}

// SubLoggers returns the map of all registered subsystem loggers.
func (m *logManager) SubLoggers() build.SubLoggers {
	m.mu.Lock()
	defer m.mu.Unlock()

	loggers := make(build.SubLoggers, len(m.loggers))
	for subsystem, logger := range m.loggers {
		loggers[subsystem] = logger
	}

	return loggers
}

// SupportedSubsystems returns a sorted slice of the registered subsystems.
func (m *logManager) SupportedSubsystems() []string {
	return m.SubLoggers().SupportedSubsystems()
}

// SetLogLevel sets the logging level for provided subsystem. Invalid
// subsystems are ignored.
func (m *logManager) SetLogLevel(subsystemID string, logLevel string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger, ok := m.loggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for all subsystem loggers to the passed
// level.
func (m *logManager) SetLogLevels(logLevel string) {
	for _, subsystemID := range m.SupportedSubsystems() {
		m.SetLogLevel(subsystemID, logLevel)
	}
}

// initLogging starts writing logs to the rotated log file in the configured
// log directory and applies the backend options.
func initLogging(cfg *Config) error {
	logFile := filepath.Join(cfg.LogDir, lncfg.DefaultLogFilename)
	if err := logRotator.InitLogRotator(cfg.LogConfig, logFile); err != nil {
		return err
	}

	opts := cfg.LogConfig.BackendOptions()
	if len(opts) > 0 {
		logMgr.setBackend(btclog.NewBackend(logWriter, opts...))
	}

	return nil
}

// logClosure is used to provide a closure over expensive logging operations so
// don't have to be performed when the logging level doesn't warrant it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
