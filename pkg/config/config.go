// Package config loads the INI-format run configuration described in
// spec.md §6: transport selection, variant binding, diagnostic timing,
// safety gating, and the security algorithm order.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Transport holds the [transport] section.
type Transport struct {
	Driver  string // "virtual", "socketcan", "rawsocketcan", "serialgw"
	Channel string
	Bitrate int
}

// Variant holds the [variant] section. ZoneMapID is parsed and carried
// through but not read anywhere: the core registry defines one zone map
// per variant, and calibration.Lookup is keyed by ID.
type Variant struct {
	ID        string
	BaseAddr  uint32
	Size      uint32
	ZoneMapID string
}

// Timing holds the [timing] section. StMinOverride and BlockSizeOverride
// are pointers so "unset" is distinguishable from "zero".
type Timing struct {
	P2                time.Duration
	P2Star            time.Duration
	StMinOverride     *time.Duration
	BlockSizeOverride *int
}

// Safety holds the [safety] section.
type Safety struct {
	RequireExplicitWarningAck bool
	BackupStorePath           string
	ForbidMissingBackup       bool
}

// Security holds the [security] section.
type Security struct {
	AlgorithmOrder   []string
	LockoutBackoffMs int
}

// Config is the fully parsed run configuration.
type Config struct {
	Transport Transport
	Variant   Variant
	Timing    Timing
	Safety    Safety
	Security  Security
}

// Load parses an INI file at path into a Config, applying the same
// default-timing fallbacks the uds.Client would otherwise apply on its
// own (spec.md §6 "timing overrides are optional").
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	return FromFile(f)
}

// FromFile parses an already-loaded ini.File, for callers that construct
// one from bytes (e.g. tests) rather than a path.
func FromFile(f *ini.File) (*Config, error) {
	cfg := &Config{}

	t := f.Section("transport")
	cfg.Transport.Driver = t.Key("driver").String()
	cfg.Transport.Channel = t.Key("channel").String()
	if cfg.Transport.Driver == "" {
		return nil, fmt.Errorf("config: [transport] driver is required")
	}
	if key, err := t.GetKey("bitrate"); err == nil {
		v, err := strconv.Atoi(key.Value())
		if err != nil {
			return nil, fmt.Errorf("config: [transport] bitrate: %w", err)
		}
		cfg.Transport.Bitrate = v
	}

	v := f.Section("variant")
	cfg.Variant.ID = v.Key("id").String()
	if cfg.Variant.ID == "" {
		return nil, fmt.Errorf("config: [variant] id is required")
	}
	cfg.Variant.ZoneMapID = v.Key("zone_map_id").String()
	if key, err := v.GetKey("base_addr"); err == nil {
		n, err := strconv.ParseUint(key.Value(), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("config: [variant] base_addr: %w", err)
		}
		cfg.Variant.BaseAddr = uint32(n)
	}
	if key, err := v.GetKey("size"); err == nil {
		n, err := strconv.ParseUint(key.Value(), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("config: [variant] size: %w", err)
		}
		cfg.Variant.Size = uint32(n)
	}

	tm := f.Section("timing")
	cfg.Timing.P2 = 50 * time.Millisecond
	cfg.Timing.P2Star = 5 * time.Second
	if key, err := tm.GetKey("p2"); err == nil {
		d, err := parseMillis(key.Value())
		if err != nil {
			return nil, fmt.Errorf("config: [timing] p2: %w", err)
		}
		cfg.Timing.P2 = d
	}
	if key, err := tm.GetKey("p2_star"); err == nil {
		d, err := parseMillis(key.Value())
		if err != nil {
			return nil, fmt.Errorf("config: [timing] p2_star: %w", err)
		}
		cfg.Timing.P2Star = d
	}
	if key, err := tm.GetKey("st_min_override"); err == nil {
		d, err := parseMillis(key.Value())
		if err != nil {
			return nil, fmt.Errorf("config: [timing] st_min_override: %w", err)
		}
		cfg.Timing.StMinOverride = &d
	}
	if key, err := tm.GetKey("block_size_override"); err == nil {
		n, err := strconv.Atoi(key.Value())
		if err != nil {
			return nil, fmt.Errorf("config: [timing] block_size_override: %w", err)
		}
		cfg.Timing.BlockSizeOverride = &n
	}

	s := f.Section("safety")
	cfg.Safety.RequireExplicitWarningAck = s.Key("require_explicit_warning_ack").MustBool(true)
	cfg.Safety.BackupStorePath = s.Key("backup_store_path").String()
	if cfg.Safety.BackupStorePath == "" {
		return nil, fmt.Errorf("config: [safety] backup_store_path is required")
	}
	cfg.Safety.ForbidMissingBackup = s.Key("forbid_missing_backup").MustBool(true)

	sec := f.Section("security")
	order := sec.Key("algorithm_order").String()
	if order != "" {
		for _, name := range strings.Split(order, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				cfg.Security.AlgorithmOrder = append(cfg.Security.AlgorithmOrder, name)
			}
		}
	}
	cfg.Security.LockoutBackoffMs = sec.Key("lockout_backoff_ms").MustInt(10000)

	return cfg, nil
}

func parseMillis(s string) (time.Duration, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}
