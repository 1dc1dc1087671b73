// Package shaping implements the network conditioner: bandwidth caps and
// latency applied to every guest flow, falling back to the presets of the
// current radio standard when no override is set.
package shaping

import (
	"fmt"

	"github.com/codefionn/netemu/netemu-srv/config"
	"github.com/codefionn/netemu/netemu-srv/neterr"
)

// Direction is the direction of a byte stream relative to the guest.
type Direction int

const (
	// Upload is guest to destination.
	Upload Direction = iota
	// Download is destination to guest.
	Download
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// Config is the operator's shaping override. Zero speeds and a zero latency
// range defer to the radio preset unless NoLatency is set. Disabled
// bypasses everything.
type Config struct {
	UploadBps    int64 `json:"upload_bps"`
	DownloadBps  int64 `json:"download_bps"`
	MinLatencyMs int64 `json:"min_latency_ms"`
	MaxLatencyMs int64 `json:"max_latency_ms"`
	NoLatency    bool  `json:"no_latency"`
	Disabled     bool  `json:"disabled"`
}

// FromSettings converts the shaping section of the configuration file.
func FromSettings(s config.ShapingConfig) Config {
	return Config{
		UploadBps:    s.UploadBps,
		DownloadBps:  s.DownloadBps,
		MinLatencyMs: s.MinLatencyMs,
		MaxLatencyMs: s.MaxLatencyMs,
		NoLatency:    s.NoLatency,
		Disabled:     s.Disabled,
	}
}

// Validate rejects negative values and an inverted latency range.
func (c Config) Validate() error {
	switch {
	case c.UploadBps < 0:
		return neterr.Errorf(neterr.ErrCodeInvalidShaping, "negative upload speed %d", c.UploadBps)
	case c.DownloadBps < 0:
		return neterr.Errorf(neterr.ErrCodeInvalidShaping, "negative download speed %d", c.DownloadBps)
	case c.MinLatencyMs < 0 || c.MaxLatencyMs < 0:
		return neterr.Errorf(neterr.ErrCodeInvalidShaping, "negative latency %d:%d", c.MinLatencyMs, c.MaxLatencyMs)
	case c.MinLatencyMs > c.MaxLatencyMs:
		return neterr.Errorf(neterr.ErrCodeInvalidShaping, "min latency %dms exceeds max latency %dms", c.MinLatencyMs, c.MaxLatencyMs)
	}
	return nil
}

func (c Config) bps(dir Direction) int64 {
	if dir == Upload {
		return c.UploadBps
	}
	return c.DownloadBps
}

func (c Config) String() string {
	if c.Disabled {
		return "disabled"
	}
	if c.NoLatency {
		return fmt.Sprintf("up=%dB/s down=%dB/s latency=none", c.UploadBps, c.DownloadBps)
	}
	return fmt.Sprintf("up=%dB/s down=%dB/s latency=%d-%dms", c.UploadBps, c.DownloadBps, c.MinLatencyMs, c.MaxLatencyMs)
}
