package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ChangeHandler is called with the new configuration after a reload.
type ChangeHandler func(*Config)

// Manager holds the live configuration and reloads it when the file
// changes. Only the log level takes effect without a restart.
type Manager struct {
	v        *viper.Viper
	path     string
	fromFile bool
	level    zap.AtomicLevel
	logger   *zap.Logger

	mu       sync.RWMutex
	current  *Config
	handlers []ChangeHandler
}

// NewManager loads the configuration at path and applies its log level.
func NewManager(path string, level zap.AtomicLevel, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := newViper(path)
	fromFile, err := read(v, path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		v:        v,
		path:     path,
		fromFile: fromFile,
		level:    level,
		logger:   logger,
		current:  cfg,
	}
	m.applyLevel(cfg)
	if !fromFile {
		logger.Info("Config file not found, using defaults and environment", zap.String("path", path))
	}
	return m, nil
}

// Config returns the current configuration.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a handler for successful reloads.
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Watch starts watching the config file. It is a no-op when the service
// runs from defaults.
func (m *Manager) Watch() {
	if !m.fromFile {
		return
	}
	m.v.OnConfigChange(m.handleChange)
	m.v.WatchConfig()
	m.logger.Info("Watching config file", zap.String("path", m.path))
}

func (m *Manager) handleChange(e fsnotify.Event) {
	if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if err := m.reload(); err != nil {
		m.logger.Warn("Config reload rejected, keeping previous configuration",
			zap.String("file", e.Name),
			zap.Error(err),
		)
	}
}

// reload decodes the file viper has already re-read and swaps it in.
func (m *Manager) reload() error {
	cfg, err := decode(m.v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.current = cfg
	handlers := append([]ChangeHandler(nil), m.handlers...)
	m.mu.Unlock()

	m.applyLevel(cfg)
	m.logger.Info("Configuration reloaded", zap.String("log_level", cfg.Logging.Level))
	for _, h := range handlers {
		h(cfg)
	}
	return nil
}

func (m *Manager) applyLevel(cfg *Config) {
	lvl, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return
	}
	if m.level.Level() != lvl {
		m.level.SetLevel(lvl)
	}
}

// NewLogger builds the production logger around level.
func NewLogger(level zap.AtomicLevel, development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = level
	return cfg.Build()
}
