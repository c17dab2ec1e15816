package app

import (
	"fmt"
	"sync"

	"github.com/NodePath81/fbping/internal/config"
	"github.com/NodePath81/fbping/internal/util"
)

// Supervisor owns the running Runtime and rebuilds it from the config file
// on restart.
type Supervisor struct {
	configPath string
	logger     util.Logger
	restartMu  sync.Mutex
	mu         sync.Mutex
	runtime    *Runtime
}

func NewSupervisor(configPath string, logger util.Logger) *Supervisor {
	return &Supervisor{
		configPath: configPath,
		logger:     logger,
	}
}

func (s *Supervisor) Start() error {
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := util.NewLevelLogger(cfg.Logging.Level).With("hostname", cfg.Hostname)
	runtime, err := NewRuntime(cfg, logger, s.Restart)
	if err != nil {
		return err
	}
	if err := runtime.Start(); err != nil {
		runtime.Stop()
		return err
	}
	s.mu.Lock()
	s.runtime = runtime
	s.mu.Unlock()
	logger.Info("runtime started", "config", s.configPath, "targets", len(runtime.Targets()))
	return nil
}

// Restart stops the current runtime and starts a new one from a fresh read
// of the config file. Concurrent restarts run one after the other.
func (s *Supervisor) Restart() error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	s.stopCurrent()
	s.logger.Info("restarting runtime", "config", s.configPath)
	return s.Start()
}

func (s *Supervisor) Stop() {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	s.stopCurrent()
}

func (s *Supervisor) stopCurrent() {
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()
	if current != nil {
		current.Stop()
	}
}
