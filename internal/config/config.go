package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/fcgictl/internal/listen"
)

// ServerConfig configures the fcgictl responder process.
type ServerConfig struct {
	TCPPorts       []int
	UnixPaths      []string
	PollTimeoutMS  int
	ReadBufferSize int
	MaxConns       string
	MaxReqs        string
	MpxsConns      string
	AdminAddr      string
	CorsOrigins    []string
	AdminToken     string
	LogLevel       string
	LogFormat      string
}

type fileConfig struct {
	TCPPorts       []int    `toml:"tcp_ports"`
	UnixPaths      []string `toml:"unix_paths"`
	PollTimeoutMS  int      `toml:"poll_timeout_ms"`
	ReadBufferSize int      `toml:"read_buffer_size"`
	MaxConns       string   `toml:"max_conns"`
	MaxReqs        string   `toml:"max_reqs"`
	MpxsConns      string   `toml:"mpxs_conns"`
	AdminAddr      string   `toml:"admin_addr"`
	CorsOrigins    []string `toml:"cors_origins"`
	AdminToken     string   `toml:"admin_token"`
	LogLevel       string   `toml:"log_level"`
	LogFormat      string   `toml:"log_format"`
}

func Default() ServerConfig {
	return ServerConfig{
		TCPPorts:       []int{},
		UnixPaths:      []string{},
		PollTimeoutMS:  1000,
		ReadBufferSize: 4096,
		MaxConns:       "100",
		MaxReqs:        "1000",
		MpxsConns:      "1",
		CorsOrigins:    []string{},
		LogFormat:      "console",
	}
}

// Load overlays the keys defined in the TOML file at path onto Default.
// The result is not validated; callers apply their overrides first and then
// call Validate.
func Load(path string) (ServerConfig, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return ServerConfig{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("tcp_ports") {
		cfg.TCPPorts = raw.TCPPorts
	}
	if meta.IsDefined("unix_paths") {
		cfg.UnixPaths = normalizeList(raw.UnixPaths)
	}
	if meta.IsDefined("poll_timeout_ms") {
		cfg.PollTimeoutMS = raw.PollTimeoutMS
	}
	if meta.IsDefined("read_buffer_size") {
		cfg.ReadBufferSize = raw.ReadBufferSize
	}
	if meta.IsDefined("max_conns") {
		cfg.MaxConns = strings.TrimSpace(raw.MaxConns)
	}
	if meta.IsDefined("max_reqs") {
		cfg.MaxReqs = strings.TrimSpace(raw.MaxReqs)
	}
	if meta.IsDefined("mpxs_conns") {
		cfg.MpxsConns = strings.TrimSpace(raw.MpxsConns)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.ToLower(strings.TrimSpace(raw.LogFormat))
	}
	return cfg, nil
}

func Validate(cfg ServerConfig) error {
	if len(cfg.TCPPorts) == 0 && len(cfg.UnixPaths) == 0 {
		return fmt.Errorf("at least one of tcp_ports or unix_paths is required")
	}
	for i, port := range cfg.TCPPorts {
		if port < 1 || port > 0xffff {
			return fmt.Errorf("tcp_ports[%d] out of range: %d", i, port)
		}
	}
	for i, path := range cfg.UnixPaths {
		if err := listen.ValidatePath(path); err != nil {
			return fmt.Errorf("unix_paths[%d] invalid: %w", i, err)
		}
	}
	if cfg.ReadBufferSize <= 0 {
		return fmt.Errorf("read_buffer_size must be positive")
	}
	for name, v := range map[string]string{"max_conns": cfg.MaxConns, "max_reqs": cfg.MaxReqs, "mpxs_conns": cfg.MpxsConns} {
		if v == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
	}
	switch cfg.LogFormat {
	case "", "console", "json":
	default:
		return fmt.Errorf("log_format must be console or json: %q", cfg.LogFormat)
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
