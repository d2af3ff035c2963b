package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ehrlich-b/opclaw/internal/activity"
	"github.com/ehrlich-b/opclaw/internal/config"
	"github.com/ehrlich-b/opclaw/internal/dashboard"
	"github.com/ehrlich-b/opclaw/internal/gateway"
	"github.com/ehrlich-b/opclaw/internal/logger"
	"github.com/spf13/cobra"
)

type gatewayFlags struct {
	url        string
	token      string
	sessionKey string
}

func (f *gatewayFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "", "gateway URL (ws, wss, http, https or host:port)")
	cmd.Flags().StringVar(&f.token, "token", "", "gateway token, used until a device token is issued")
	cmd.Flags().StringVar(&f.sessionKey, "session-key", "", "gateway session key")
}

func (f *gatewayFlags) apply(cfg *config.Config) {
	if f.url != "" {
		cfg.Gateway.URL = f.url
	}
	if f.token != "" {
		cfg.Gateway.Token = f.token
	}
	if f.sessionKey != "" {
		cfg.Gateway.SessionKey = f.sessionKey
	}
}

func gatewayConfig(cfg *config.Config) gateway.Config {
	return gateway.Config{
		GatewayURL: cfg.Gateway.URL,
		Token:      cfg.Gateway.Token,
		SessionKey: cfg.Gateway.SessionKey,
	}
}

// rememberGateway saves the settings that just worked and turns on
// auto_connect, so the next run connects without flags.
func rememberGateway(path string, cfg *config.Config) func(gateway.Config) {
	var mu sync.Mutex
	return func(gc gateway.Config) {
		mu.Lock()
		defer mu.Unlock()
		if cfg.Gateway.AutoConnect && cfg.Gateway.URL == gc.GatewayURL &&
			cfg.Gateway.Token == gc.Token && cfg.Gateway.SessionKey == gc.SessionKey {
			return
		}
		cfg.Gateway.URL = gc.GatewayURL
		cfg.Gateway.Token = gc.Token
		cfg.Gateway.SessionKey = gc.SessionKey
		cfg.Gateway.AutoConnect = true
		if err := config.Save(path, cfg); err != nil {
			logger.Warn("save gateway settings", "path", path, "err", err)
			return
		}
		logger.Info("saved gateway settings", "path", path)
	}
}

// autoStart reports whether serve connects at startup: an explicit --url,
// or settings saved by an earlier successful connect.
func (f *gatewayFlags) autoStart(cfg *config.Config) bool {
	return cfg.Gateway.URL != "" && (f.url != "" || cfg.Gateway.AutoConnect)
}

// newSession builds a dashboard session from config. The returned func
// releases storage.
func newSession(cfg *config.Config, path string, manual bool, onStatus func(activity.Change)) (*dashboard.Session, func(), error) {
	storage, events, closer, err := openStorage(cfg)
	if err != nil {
		return nil, nil, err
	}
	s := dashboard.New(dashboard.Options{
		Gateway:     gatewayConfig(cfg),
		Storage:     storage,
		Events:      events,
		Manual:      manual,
		OnConnected: rememberGateway(path, cfg),
		OnStatus:    onStatus,
	})
	return s, func() { closer.Close() }, nil
}

func printChange(ch activity.Change) {
	line := fmt.Sprintf("%s  %s", ch.At.Format("15:04:05"), ch.Status)
	if ch.Source != "" {
		line += "  (" + ch.Source + ")"
	}
	fmt.Println(line)
}

func connectCmd() *cobra.Command {
	var flags gatewayFlags
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to the gateway and print agent status changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			flags.apply(cfg)
			if cfg.Gateway.URL == "" {
				return errors.New("no gateway url: pass --url or set gateway.url in the config")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			s, release, err := newSession(cfg, path, false, printChange)
			if err != nil {
				return err
			}
			defer release()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Printf("connecting to %s\n", gateway.NormalizeURL(cfg.Gateway.URL))
			return s.Run(ctx)
		},
	}
	flags.register(cmd)
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		flags    gatewayFlags
		addrFlag string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway session and serve its status over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			flags.apply(cfg)
			if addrFlag != "" {
				cfg.HTTP.Addr = addrFlag
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			started := flags.autoStart(cfg)
			if !started {
				logger.Info("auto_connect is off; waiting for gateway settings (or pass --url)")
			}
			s, release, err := newSession(cfg, path, !started, nil)
			if err != nil {
				return err
			}
			defer release()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Pick up gateway edits made while serving.
			go func() {
				current := gatewayConfig(cfg)
				err := config.Watch(ctx, path, func(next *config.Config) {
					gc := gatewayConfig(next)
					if gc.GatewayURL == "" {
						return
					}
					if started && gc == current {
						return
					}
					if !started && !next.Gateway.AutoConnect {
						return
					}
					current = gc
					started = true
					logger.Info("gateway settings changed, reconnecting", "url", gc.GatewayURL)
					s.Reconnect(gc)
				})
				if err != nil {
					logger.Warn("config watch disabled", "err", err)
				}
			}()

			httpSrv := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           s.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				ErrorLog:          slog.NewLogLogger(logger.With("http").Handler(), slog.LevelWarn),
			}
			fmt.Printf("opclaw serve listening on %s\n", cfg.HTTP.Addr)
			return serveUntilDone(ctx, stop, s, httpSrv)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (default from config, "+config.DefaultHTTPAddr+")")
	return cmd
}

// serveUntilDone runs s and srv until ctx ends or srv fails. It returns only
// after s has stopped, so the caller may release the session's storage.
func serveUntilDone(ctx context.Context, stop context.CancelFunc, s *dashboard.Session, srv *http.Server) error {
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		s.Run(ctx)
	}()
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
		fmt.Println("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
	case err = <-srvErr:
		stop()
	}
	<-runDone
	return err
}
