package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/fcgictl/internal/admin"
	"github.com/danmuck/fcgictl/internal/auth"
	"github.com/danmuck/fcgictl/internal/config"
	"github.com/danmuck/fcgictl/internal/listen"
	"github.com/danmuck/fcgictl/internal/logging"
	"github.com/danmuck/fcgictl/internal/mux"
	"github.com/danmuck/fcgictl/internal/observability"
	"github.com/danmuck/fcgictl/internal/responder"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type serveFlags struct {
	configPath string
	tcpPorts   []int
	unixPaths  []string
	adminAddr  string
	keepPaths  bool
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept FastCGI connections and answer them with the status responder",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(f, cmd.Flags().Changed)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, f.keepPaths)
		},
	}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "path to a TOML config file")
	cmd.Flags().IntSliceVar(&f.tcpPorts, "tcp", nil, "TCP port to listen on (repeatable)")
	cmd.Flags().StringSliceVar(&f.unixPaths, "unix", nil, "Unix socket path to listen on (repeatable)")
	cmd.Flags().StringVar(&f.adminAddr, "admin", "", "admin HTTP listen address")
	cmd.Flags().BoolVar(&f.keepPaths, "keep-socket-files", false, "leave Unix socket files in place on exit")
	return cmd
}

// resolveConfig loads the config file when given, then applies flags that
// were set explicitly.
func resolveConfig(f serveFlags, changed func(string) bool) (config.ServerConfig, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return config.ServerConfig{}, err
		}
		cfg = loaded
	}
	if changed("tcp") {
		cfg.TCPPorts = f.tcpPorts
	}
	if changed("unix") {
		cfg.UnixPaths = f.unixPaths
	}
	if changed("admin") {
		cfg.AdminAddr = f.adminAddr
	}
	if err := config.Validate(cfg); err != nil {
		if f.configPath != "" {
			return config.ServerConfig{}, fmt.Errorf("config invalid (%s): %w", f.configPath, err)
		}
		return config.ServerConfig{}, err
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg config.ServerConfig, keepPaths bool) error {
	logCfg := logging.ConfigureRuntime()
	format := cfg.LogFormat
	if os.Getenv(logging.EnvLogFormat) != "" {
		format = logCfg.Format
	}
	logger := observability.InitLoggerWith("fcgictl", format, os.Stdout)
	if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok {
		zerolog.SetGlobalLevel(lvl)
	}

	srv := mux.New(
		statusHandlers(),
		mux.WithLogger(logger),
		mux.WithReadBufferSize(cfg.ReadBufferSize),
		mux.WithValues(responder.Values{
			MaxConns:  cfg.MaxConns,
			MaxReqs:   cfg.MaxReqs,
			MpxsConns: cfg.MpxsConns,
		}),
	)
	defer func() {
		if keepPaths {
			srv.Abandon()
		}
		if err := srv.Close(); err != nil {
			logger.Warn().Err(err).Msg("fcgictl: close failed")
		}
	}()

	for _, port := range cfg.TCPPorts {
		l, err := listen.TCP(port)
		if err != nil {
			return err
		}
		srv.Listen(l)
	}
	for _, path := range cfg.UnixPaths {
		l, err := listen.Unix(path)
		if err != nil {
			return err
		}
		srv.Listen(l)
	}

	if cfg.AdminAddr != "" {
		var opts []admin.Option
		if cfg.AdminToken != "" {
			opts = append(opts, admin.WithToken(auth.StaticToken{Token: cfg.AdminToken}))
		}
		a := admin.New("fcgictl", cfg.AdminAddr, cfg.CorsOrigins, srv, logger, opts...)
		go func() {
			if err := a.Serve(ctx); err != nil {
				logger.Error().Err(err).Msg("fcgictl: admin stopped")
			}
		}()
	}

	logger.Info().
		Ints("tcp_ports", cfg.TCPPorts).
		Strs("unix_paths", cfg.UnixPaths).
		Int("poll_timeout_ms", cfg.PollTimeoutMS).
		Msg("fcgictl: serving")

	err := srv.Run(ctx, cfg.PollTimeoutMS)
	logger.Info().Err(err).Msg("fcgictl: stopped")
	return err
}
