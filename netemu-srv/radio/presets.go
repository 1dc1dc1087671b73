package radio

import (
	"math"
	"time"

	"github.com/codefionn/netemu/netemu-srv/config"
	"github.com/codefionn/netemu/netemu-srv/neterr"
)

// Preset is the default network behaviour of one radio standard.
// Zero speeds mean unlimited.
type Preset struct {
	UploadKbps   float64       `json:"upload_kbps"`
	DownloadKbps float64       `json:"download_kbps"`
	MinLatency   time.Duration `json:"min_latency"`
	MaxLatency   time.Duration `json:"max_latency"`
}

// kbpsToBytes converts kbit/s to bytes/s.
func kbpsToBytes(kbps float64) int64 {
	return int64(math.Round(kbps * 1000 / 8))
}

// UploadBps returns the upload ceiling in bytes per second, 0 if unlimited.
func (p Preset) UploadBps() int64 {
	return kbpsToBytes(p.UploadKbps)
}

// DownloadBps returns the download ceiling in bytes per second, 0 if unlimited.
func (p Preset) DownloadBps() int64 {
	return kbpsToBytes(p.DownloadKbps)
}

// PresetTable holds one preset per standard.
type PresetTable struct {
	presets [numStandards]Preset
}

func ms(n int64) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// DefaultPresets returns the built-in table. Speeds follow the nominal
// rates of each technology, latencies the ranges the emulator console
// used for its named delays.
func DefaultPresets() PresetTable {
	var t PresetTable
	t.presets[StandardGSM] = Preset{14.4, 14.4, ms(150), ms(550)}
	t.presets[StandardHSCSD] = Preset{14.4, 57.6, ms(150), ms(550)}
	t.presets[StandardGPRS] = Preset{40.0, 80.0, ms(150), ms(550)}
	t.presets[StandardEDGE] = Preset{118.4, 236.8, ms(80), ms(400)}
	t.presets[StandardUMTS] = Preset{128.0, 1920.0, ms(35), ms(200)}
	t.presets[StandardHSDPA] = Preset{348.0, 14400.0, ms(35), ms(200)}
	t.presets[StandardLTE] = Preset{58000.0, 173000.0, ms(10), ms(60)}
	t.presets[StandardNR] = Preset{100000.0, 1000000.0, ms(5), ms(20)}
	t.presets[StandardFull] = Preset{}
	return t
}

// Lookup returns the preset of s.
func (t PresetTable) Lookup(s Standard) Preset {
	if !s.Valid() {
		return Preset{}
	}
	return t.presets[s]
}

// With returns a copy of t with the preset of s replaced.
func (t PresetTable) With(s Standard, p Preset) PresetTable {
	if s.Valid() {
		t.presets[s] = p
	}
	return t
}

// ceiling treats unlimited as larger than any finite rate.
func ceiling(kbps float64) float64 {
	if kbps == 0 {
		return 1e300
	}
	return kbps
}

// Validate checks that every preset is well formed and that a newer
// generation never has a lower bandwidth ceiling or a higher latency
// floor than an older one.
func (t PresetTable) Validate() error {
	for i, p := range t.presets {
		s := Standard(i)
		if p.UploadKbps < 0 || p.DownloadKbps < 0 || p.MinLatency < 0 || p.MaxLatency < 0 {
			return neterr.Errorf(neterr.ErrCodeInvalidPresetTable, "%s: negative value", s)
		}
		if p.MinLatency > p.MaxLatency {
			return neterr.Errorf(neterr.ErrCodeInvalidPresetTable, "%s: min latency exceeds max latency", s)
		}
		if i == 0 {
			continue
		}
		prev := t.presets[i-1]
		if ceiling(p.UploadKbps) < ceiling(prev.UploadKbps) || ceiling(p.DownloadKbps) < ceiling(prev.DownloadKbps) {
			return neterr.Errorf(neterr.ErrCodeInvalidPresetTable, "%s: bandwidth lower than %s", s, Standard(i-1))
		}
		if p.MinLatency > prev.MinLatency {
			return neterr.Errorf(neterr.ErrCodeInvalidPresetTable, "%s: latency floor higher than %s", s, Standard(i-1))
		}
	}
	return nil
}

// PresetTableFromConfig applies configured overrides on top of the defaults.
func PresetTableFromConfig(overrides []config.PresetConfig) (PresetTable, error) {
	t := DefaultPresets()
	for _, o := range overrides {
		s, err := ParseStandard(o.Standard)
		if err != nil {
			return t, neterr.Wrap(neterr.ErrCodeInvalidPresetTable, err)
		}
		t = t.With(s, Preset{
			UploadKbps:   o.UploadKbps,
			DownloadKbps: o.DownloadKbps,
			MinLatency:   ms(o.MinLatencyMs),
			MaxLatency:   ms(o.MaxLatencyMs),
		})
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

// Entries returns the table keyed by standard name.
func (t PresetTable) Entries() map[string]Preset {
	out := make(map[string]Preset, numStandards)
	for i, p := range t.presets {
		out[Standard(i).String()] = p
	}
	return out
}
