package utils

import (
	"log"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogxManager hands out one zap logger per experiment, each teeing into
// info.log, error.log and debug.log under its own directory.
type LogxManager struct {
	basePath string
	debug    bool
	loggers  map[string]*zap.Logger
	files    []*os.File
	mu       sync.RWMutex
}

func NewManager(base string, debug bool) *LogxManager {
	m := &LogxManager{basePath: base, debug: debug, loggers: make(map[string]*zap.Logger)}

	if base == "" {
		return m
	}
	if err := os.MkdirAll(m.basePath, 0744); err != nil {
		log.Printf("failed to create base log dir %s: %v", m.basePath, err)
	}
	return m
}

// Logger returns the logger for name. Without a base path it is a no-op logger.
func (m *LogxManager) Logger(name string) *zap.Logger {
	m.mu.RLock()
	if lg, ok := m.loggers[name]; ok {
		m.mu.RUnlock()
		return lg
	}
	m.mu.RUnlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if lg, ok := m.loggers[name]; ok {
		return lg
	}
	if m.basePath == "" {
		lg := zap.NewNop()
		m.loggers[name] = lg
		return lg
	}

	dir := filepath.Join(m.basePath, name)
	if err := os.MkdirAll(dir, 0744); err != nil {
		log.Printf("failed to create log dir %s: %v", dir, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encCfg)

	infoOut := zapcore.AddSync(m.openLogFile(filepath.Join(dir, "info.log")))
	errorOut := zapcore.AddSync(m.openLogFile(filepath.Join(dir, "error.log")))

	infoLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l == zapcore.InfoLevel || l == zapcore.WarnLevel })
	errLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel })

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, infoOut, infoLv),
		zapcore.NewCore(encoder, errorOut, errLv),
	}
	if m.debug {
		dbgOut := zapcore.AddSync(m.openLogFile(filepath.Join(dir, "debug.log")))
		dbgLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l == zapcore.DebugLevel })
		cores = append(cores, zapcore.NewCore(encoder, dbgOut, dbgLv))
	}

	lg := zap.New(zapcore.NewTee(cores...)).With(zap.String("experiment", name))
	m.loggers[name] = lg
	return lg
}

func (m *LogxManager) openLogFile(path string) zapcore.WriteSyncer {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file %s: %v", path, err)
		return os.Stdout
	}
	m.files = append(m.files, f)
	return f
}

// Close flushes every logger and closes the underlying files.
func (m *LogxManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lg := range m.loggers {
		_ = lg.Sync()
	}
	for _, f := range m.files {
		if err := f.Close(); err != nil {
			log.Printf("failed to close log file %s: %v", f.Name(), err)
		}
	}
	m.files = nil
}

// NewConsoleLogger is the process-level logger used by main.
func NewConsoleLogger(debug bool) *zap.Logger {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}
