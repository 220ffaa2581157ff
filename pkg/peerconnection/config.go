// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package peerconnection

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pion/logging"
)

// Default tunables, used when the matching Config field is zero.
const (
	DefaultICERecvTimeout       = time.Second
	DefaultDataChannelSendCache = 16
	DefaultDataChannelRecvCache = 16
	DefaultVideoJitterCache     = 64
	DefaultAudioJitterCache     = 32
	DefaultVideoResendDelay     = 20 * time.Millisecond
	DefaultAudioResendDelay     = 10 * time.Millisecond
	DefaultSendPoolSize         = 8
	DefaultSendQueueDepth       = 32
	DefaultMaxResendCount       = 3
)

// Config holds the tunables an implementation consumes. Every zero field
// falls back to its default.
type Config struct {
	ICERecvTimeout       time.Duration `toml:"ice_recv_timeout"`
	DataChannelSendCache int           `toml:"data_channel_send_cache"`
	DataChannelRecvCache int           `toml:"data_channel_recv_cache"`
	VideoJitterCache     int           `toml:"video_jitter_cache"`
	AudioJitterCache     int           `toml:"audio_jitter_cache"`
	VideoResendDelay     time.Duration `toml:"video_resend_delay"`
	AudioResendDelay     time.Duration `toml:"audio_resend_delay"`
	SendPoolSize         int           `toml:"send_pool_size"`
	SendQueueDepth       int           `toml:"send_queue_depth"`
	MaxResendCount       int           `toml:"max_resend_count"`

	// LoggerFactory is handed to the implementation. Defaults to
	// logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory `toml:"-"`
}

// LoadConfig reads tunables from a TOML file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	for name, v := range map[string]int64{
		"ice_recv_timeout":        int64(c.ICERecvTimeout),
		"data_channel_send_cache": int64(c.DataChannelSendCache),
		"data_channel_recv_cache": int64(c.DataChannelRecvCache),
		"video_jitter_cache":      int64(c.VideoJitterCache),
		"audio_jitter_cache":      int64(c.AudioJitterCache),
		"video_resend_delay":      int64(c.VideoResendDelay),
		"audio_resend_delay":      int64(c.AudioResendDelay),
		"send_pool_size":          int64(c.SendPoolSize),
		"send_queue_depth":        int64(c.SendQueueDepth),
		"max_resend_count":        int64(c.MaxResendCount),
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidArgument, name)
		}
	}

	return nil
}

// WithDefaults returns a copy of c with every zero field set to its default.
func (c Config) WithDefaults() Config {
	setDuration(&c.ICERecvTimeout, DefaultICERecvTimeout)
	setInt(&c.DataChannelSendCache, DefaultDataChannelSendCache)
	setInt(&c.DataChannelRecvCache, DefaultDataChannelRecvCache)
	setInt(&c.VideoJitterCache, DefaultVideoJitterCache)
	setInt(&c.AudioJitterCache, DefaultAudioJitterCache)
	setDuration(&c.VideoResendDelay, DefaultVideoResendDelay)
	setDuration(&c.AudioResendDelay, DefaultAudioResendDelay)
	setInt(&c.SendPoolSize, DefaultSendPoolSize)
	setInt(&c.SendQueueDepth, DefaultSendQueueDepth)
	setInt(&c.MaxResendCount, DefaultMaxResendCount)

	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	return c
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}
