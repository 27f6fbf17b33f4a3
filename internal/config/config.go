// Package config loads server tuning from a yaml file, falling back to
// defaults for anything the file leaves unset.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr      string `yaml:"addr"`
	AdminAddr string `yaml:"admin_addr"`
	Motd      string `yaml:"motd"`
	DataDir   string `yaml:"data_dir"`

	MaxPlayers int `yaml:"max_players"`
	TickRateHz int `yaml:"tick_rate_hz"`

	ViewDistanceChunks int     `yaml:"view_distance_chunks"`
	EntityViewRadius   float64 `yaml:"entity_view_radius"`
	WorldHeight        int     `yaml:"world_height"`
	ChatRadius         float64 `yaml:"chat_radius"`

	MaxMovePerTick float64 `yaml:"max_move_per_tick"`
	MoveTolerance  float64 `yaml:"move_tolerance"`

	SessionURL           string `yaml:"session_url"`
	Encryption           bool   `yaml:"encryption"`
	CompressionThreshold int    `yaml:"compression_threshold"`
	MaxFrameBytes        int    `yaml:"max_frame_bytes"`
	OutboundQueueBytes   int    `yaml:"outbound_queue_bytes"`

	KeepAliveEveryTicks   int `yaml:"keep_alive_every_ticks"`
	KeepAliveTimeoutTicks int `yaml:"keep_alive_timeout_ticks"`

	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`
}

// Default is the configuration a fresh server runs with when no file is
// given.
func Default() Config {
	return Config{
		Addr:                  ":25565",
		AdminAddr:             ":8080",
		Motd:                  "basalt server",
		DataDir:               "data",
		MaxPlayers:            64,
		TickRateHz:            20,
		ViewDistanceChunks:    8,
		EntityViewRadius:      64,
		WorldHeight:           256,
		ChatRadius:            0, // 0 means world-wide chat
		MaxMovePerTick:        10,
		MoveTolerance:         0.0625,
		Encryption:            true,
		CompressionThreshold:  256,
		MaxFrameBytes:         1 << 21,
		OutboundQueueBytes:    1 << 22,
		KeepAliveEveryTicks:   40,
		KeepAliveTimeoutTicks: 600,
		SnapshotEveryTicks:    6000,
	}
}

// Load reads a yaml config over the defaults. Fields absent from the
// file keep their default values.
func Load(path string) (Config, error) {
	c := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("config %s: %w", path, err)
	}
	return c, c.validate()
}

func (c Config) validate() error {
	if c.TickRateHz <= 0 {
		return fmt.Errorf("tick_rate_hz must be positive, got %d", c.TickRateHz)
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("max_frame_bytes must be positive, got %d", c.MaxFrameBytes)
	}
	if c.ViewDistanceChunks < 1 {
		return fmt.Errorf("view_distance_chunks must be at least 1, got %d", c.ViewDistanceChunks)
	}
	if c.MaxPlayers < 1 {
		return fmt.Errorf("max_players must be at least 1, got %d", c.MaxPlayers)
	}
	return nil
}
