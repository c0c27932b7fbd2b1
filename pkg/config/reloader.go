package config

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Reconfigurable is implemented by components that accept a new configuration at runtime.
type Reconfigurable interface {
	Reconfigure(newConfig *Config) error
}

// Reloader re-reads the configuration file and hands the result to registered components.
type Reloader struct {
	mu         sync.Mutex
	components []Reconfigurable
	configPath string
	logger     zerolog.Logger
}

// NewReloader creates a new Reloader.
func NewReloader(configPath string, logger zerolog.Logger) *Reloader {
	return &Reloader{
		configPath: configPath,
		logger:     logger.With().Str("component", "reloader").Logger(),
	}
}

// Register adds components to be reconfigured on reload.
func (r *Reloader) Register(c ...Reconfigurable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components = append(r.components, c...)
}

// PerformReload loads the configuration from disk and applies it to all registered components.
// A configuration that fails to load or validate leaves every component untouched.
func (r *Reloader) PerformReload() error {
	r.logger.Info().Str("path", r.configPath).Msg("Reloading configuration")

	newConfig, err := Load(r.configPath)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to load new configuration, keeping the current one")
		return fmt.Errorf("reload aborted: %w", err)
	}

	return r.ReloadWithConfig(newConfig)
}

// ReloadWithConfig applies newConfig to every registered component and returns the
// first error encountered. All components are attempted regardless of earlier failures.
func (r *Reloader) ReloadWithConfig(newConfig *Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, component := range r.components {
		name := fmt.Sprintf("%T", component)
		if err := component.Reconfigure(newConfig); err != nil {
			r.logger.Error().Err(err).Str("target", name).Msg("Failed to reconfigure component")
			if firstErr == nil {
				firstErr = fmt.Errorf("reconfigure %s: %w", name, err)
			}
			continue
		}
		r.logger.Debug().Str("target", name).Msg("Component reconfigured")
	}
	r.logger.Info().Int("components", len(r.components)).Msg("Configuration reload complete")
	return firstErr
}
