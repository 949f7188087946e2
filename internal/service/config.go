package service

import (
	"fmt"
	"time"

	"github.com/CZERTAINLY/snapdoc/internal/model"
)

// Config is the validated service section of the configuration
type Config struct {
	Socket        string
	MaxMemory     int64
	IdleShutdown  time.Duration
	StartAttempts int
	Verbose       bool
}

// ParseConfig applies defaults to the service section and converts its
// durations and sizes.
func ParseConfig(svc model.Service) (Config, error) {
	cfg := Config{
		Socket:        svc.Socket,
		IdleShutdown:  DefaultIdleShutdown,
		StartAttempts: DefaultStartAttempts,
		Verbose:       svc.Verbose,
	}
	if cfg.Socket == "" {
		cfg.Socket = DefaultSocket()
	}
	if svc.StartAttempts > 0 {
		cfg.StartAttempts = svc.StartAttempts
	}

	var err error
	cfg.MaxMemory, err = MemoryLimit(svc.MaxMemory)
	if err != nil {
		return Config{}, fmt.Errorf("parsing service.max_memory: %w", err)
	}
	if svc.IdleShutdown != "" {
		cfg.IdleShutdown, err = ParseCueDuration(svc.IdleShutdown)
		if err != nil {
			return Config{}, fmt.Errorf("parsing service.idle_shutdown: %w", err)
		}
	}
	return cfg, nil
}
