package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// DefaultMaxLevel is the threshold used when maxlevel is missing or invalid.
const DefaultMaxLevel = 1

var (
	// ErrThresholdMissing means maxlevel was not set.
	ErrThresholdMissing = errors.New("maxlevel not set")
	// ErrConfigInvalid means a setting could not be parsed or resolved.
	ErrConfigInvalid = errors.New("invalid setting")
)

type StorageConfig struct {
	Driver  string
	DSN     string
	Timeout time.Duration
}

type CacheConfig struct {
	MinRefreshInterval time.Duration
}

type GatewayConfig struct {
	Game          string
	SSHAddr       string
	HostKey       string
	HTTPAddr      string
	LevelCacheTTL time.Duration
	TrustedKeys   string
	ConnLimit     int
	ConnWindow    time.Duration
}

// Settings is an immutable configuration snapshot. A reload builds a new
// Settings instead of changing an existing one.
type Settings struct {
	MaxLevel int
	Groups   GroupTable
	Storage  StorageConfig
	Cache    CacheConfig
	Gateway  GatewayConfig

	// Warnings lists the settings that fell back to their default.
	Warnings []error
}

// Default returns the settings used when no file is given.
func Default() *Settings {
	return &Settings{
		MaxLevel: DefaultMaxLevel,
		Groups:   DefaultGroupTable(),
		Storage: StorageConfig{
			Driver:  "sqlite",
			DSN:     "b3.db",
			Timeout: 2 * time.Second,
		},
		Gateway: GatewayConfig{
			SSHAddr:       ":2222",
			HostKey:       "host.key",
			LevelCacheTTL: 30 * time.Second,
			ConnWindow:    time.Minute,
		},
	}
}

// Load reads an ini file. Unreadable files are an error; bad or missing values
// fall back to defaults and are reported in Settings.Warnings.
func Load(path string) (*Settings, error) {
	if path == "" {
		s := Default()
		s.Warnings = append(s.Warnings, ErrThresholdMissing)
		return s, nil
	}
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return fromFile(f), nil
}

// Parse reads settings from ini-formatted data.
func Parse(data []byte) (*Settings, error) {
	f, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return fromFile(f), nil
}

func fromFile(f *ini.File) *Settings {
	s := Default()

	groups := DefaultGroupTable()
	for _, k := range f.Section("groups").Keys() {
		level, err := k.Int()
		if err != nil || level < 0 {
			s.warn("groups."+k.Name(), k.String())
			continue
		}
		groups[strings.ToLower(k.Name())] = level
	}
	s.Groups = groups

	level, err := Threshold(f.Section("settings"), groups)
	s.MaxLevel = level
	if err != nil {
		s.Warnings = append(s.Warnings, err)
	}

	st := f.Section("storage")
	s.Storage.Driver = st.Key("driver").MustString(s.Storage.Driver)
	s.Storage.DSN = st.Key("dsn").MustString(s.Storage.DSN)
	s.duration(st, "timeout", &s.Storage.Timeout)

	s.duration(f.Section("cache"), "min_refresh_interval", &s.Cache.MinRefreshInterval)

	gw := f.Section("gateway")
	s.Gateway.Game = gw.Key("game").MustString(s.Gateway.Game)
	s.Gateway.SSHAddr = gw.Key("ssh_addr").MustString(s.Gateway.SSHAddr)
	s.Gateway.HostKey = gw.Key("host_key").MustString(s.Gateway.HostKey)
	s.Gateway.HTTPAddr = gw.Key("http_addr").MustString(s.Gateway.HTTPAddr)
	s.duration(gw, "level_cache_ttl", &s.Gateway.LevelCacheTTL)
	s.Gateway.TrustedKeys = gw.Key("trusted_keys").MustString(s.Gateway.TrustedKeys)
	s.Gateway.ConnLimit = gw.Key("conn_limit").MustInt(s.Gateway.ConnLimit)
	s.duration(gw, "conn_window", &s.Gateway.ConnWindow)

	return s
}

// Threshold resolves settings.maxlevel. It always returns a usable level; the
// error is ErrThresholdMissing or wraps ErrConfigInvalid when the default was
// substituted.
func Threshold(sec *ini.Section, groups GroupTable) (int, error) {
	if !sec.HasKey("maxlevel") || sec.Key("maxlevel").String() == "" {
		return DefaultMaxLevel, ErrThresholdMissing
	}
	raw := sec.Key("maxlevel").String()
	level, err := groups.Level(raw)
	if err != nil {
		return DefaultMaxLevel, fmt.Errorf("%w: maxlevel %q: %v", ErrConfigInvalid, raw, err)
	}
	return level, nil
}

func (s *Settings) duration(sec *ini.Section, key string, dst *time.Duration) {
	if !sec.HasKey(key) {
		return
	}
	d, err := sec.Key(key).Duration()
	if err != nil || d < 0 {
		s.warn(sec.Name()+"."+key, sec.Key(key).String())
		return
	}
	*dst = d
}

func (s *Settings) warn(key, raw string) {
	s.Warnings = append(s.Warnings, fmt.Errorf("%w: %s %q", ErrConfigInvalid, key, raw))
}
