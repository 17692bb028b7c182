// Package source contains producers that feed bytes into a body.SharedBuffer
// and honour the backpressure its consumers signal.
package source

import (
	"example.com/bytebody/internal/body"
	"example.com/bytebody/internal/config"
	"example.com/bytebody/internal/flowcontrol"
	"example.com/bytebody/internal/logger"
)

// Settings are the knobs shared by every producer.
type Settings struct {
	Limits body.Limits
	// ChunkSize caps the size of a single chunk read by ReaderSource.
	ChunkSize int
	// InitialWindow is the credit granted before any consumer acknowledged bytes.
	InitialWindow uint32
	Logger        *logger.Logger
	// BodyOptions are passed to the SharedBuffer.
	BodyOptions []body.Option
}

// DefaultSettings returns settings matching the configuration defaults.
func DefaultSettings() Settings {
	maxBody, maxBuffer := (*config.BodyConfig)(nil).Budgets()
	return Settings{
		Limits:        body.Limits{MaxBodySize: maxBody, MaxBufferSize: maxBuffer},
		ChunkSize:     int(config.DefaultChunkSize),
		InitialWindow: flowcontrol.DefaultInitialWindowSize,
	}
}

// SettingsFromConfig derives producer settings from a loaded configuration.
// observer may be nil.
func SettingsFromConfig(cfg *config.Config, log *logger.Logger, observer body.Observer) Settings {
	s := DefaultSettings()
	s.Logger = log
	if cfg == nil {
		return s
	}
	bc := cfg.Body
	maxBody, maxBuffer := bc.Budgets()
	s.Limits = body.Limits{MaxBodySize: maxBody, MaxBufferSize: maxBuffer}
	if bc != nil {
		if bc.ChunkSize != nil && *bc.ChunkSize > 0 {
			s.ChunkSize = int(*bc.ChunkSize)
		}
		if bc.InitialWindowSize != nil {
			s.InitialWindow = uint32(min(uint64(*bc.InitialWindowSize), flowcontrol.MaxWindowSize))
		}
		if bc.ClaimDiagnostics != nil {
			s.BodyOptions = append(s.BodyOptions, body.WithClaimTracking(*bc.ClaimDiagnostics))
		}
	}
	s.BodyOptions = append(s.BodyOptions, body.WithLogger(log))
	if observer != nil {
		s.BodyOptions = append(s.BodyOptions, body.WithObserver(observer))
	}
	return s
}

func (s Settings) chunkSize() int {
	if s.ChunkSize <= 0 {
		return int(config.DefaultChunkSize)
	}
	return s.ChunkSize
}
