package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gliderlabs/ssh"
	"github.com/iwanhae/netblocker/config"
	"github.com/iwanhae/netblocker/gateway"
	"github.com/iwanhae/netblocker/store"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	sshAddr         string
	hostKeyPath     string
	trustedKeys     string
	httpAddr        string
	game            string
	shutdownTimeout time.Duration
}

func newServeCmd(opts *options) *cobra.Command {
	so := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SSH and HTTP admission gateways",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts, so)
		},
	}
	cmd.Flags().StringVar(&so.sshAddr, "ssh-addr", "", "SSH gateway listen address, overrides [gateway] ssh_addr")
	cmd.Flags().StringVar(&so.hostKeyPath, "host-key", "", "path to SSH host private key, overrides [gateway] host_key")
	cmd.Flags().StringVar(&so.trustedKeys, "trusted-keys", "", "authorized_keys file naming the client each key proves, overrides [gateway] trusted_keys")
	cmd.Flags().StringVar(&so.httpAddr, "http-addr", "", "HTTP admission API listen address, overrides [gateway] http_addr")
	cmd.Flags().StringVar(&so.game, "game", "", "game name; frostbite titles check on the pre-auth probe")
	cmd.Flags().DurationVar(&so.shutdownTimeout, "shutdown-timeout", 5*time.Second, "graceful shutdown timeout")
	return cmd
}

func (so *serveOptions) apply(s *config.Settings) {
	if so.sshAddr != "" {
		s.Gateway.SSHAddr = so.sshAddr
	}
	if so.hostKeyPath != "" {
		s.Gateway.HostKey = so.hostKeyPath
	}
	if so.trustedKeys != "" {
		s.Gateway.TrustedKeys = so.trustedKeys
	}
	if so.httpAddr != "" {
		s.Gateway.HTTPAddr = so.httpAddr
	}
	if so.game != "" {
		s.Gateway.Game = so.game
	}
}

func runServe(cmd *cobra.Command, opts *options, so *serveOptions) error {
	logger := opts.logger
	quitCh := make(chan os.Signal, 1)
	signal.Notify(quitCh, os.Interrupt, syscall.SIGTERM)
	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)
	defer signal.Stop(quitCh)
	defer signal.Stop(reloadCh)

	settings, err := opts.loadSettings()
	if err != nil {
		return err
	}
	so.apply(settings)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	src, err := store.Open(ctx, settings.Storage.Driver, settings.Storage.DSN)
	if err != nil {
		return err
	}
	defer src.Close()

	decider := newDecider(src, settings, opts)
	cache := decider.Cache()
	if err := cache.Refresh(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial ban list refresh failed")
	} else {
		snap := cache.Snapshot()
		logger.Debug().Strs("banned", snap.Permanent.Sorted()).Strs("tempbanned", snap.Temporary.Sorted()).Msg("ban lists loaded")
	}

	gw := gateway.New(decider, gateway.KindForGame(settings.Gateway.Game), logger)
	levels := gateway.NewLevelCache(src, settings.Gateway.LevelCacheTTL, logger)

	errCh := make(chan error, 2)
	var sshSrv *gateway.SSHServer
	if settings.Gateway.SSHAddr != "" {
		sshSrv, err = gateway.NewSSHServer(settings.Gateway.SSHAddr, settings.Gateway.HostKey, gw, levels, logger)
		if err != nil {
			return err
		}
		trusted, err := gateway.LoadTrustedKeys(settings.Gateway.TrustedKeys)
		if err != nil {
			return err
		}
		sshSrv.TrustKeys(trusted)
		logger.Info().Int("trusted_keys", len(trusted)).Msg("ssh privilege levels limited to trusted keys")
		sshSrv.LimitConnections(gateway.NewConnRateLimiter(settings.Gateway.ConnLimit, settings.Gateway.ConnWindow))
		go func() {
			if err := sshSrv.ListenAndServe(); err != nil && !errors.Is(err, ssh.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
				errCh <- fmt.Errorf("ssh gateway: %w", err)
			}
		}()
	}

	var httpSrv *http.Server
	if settings.Gateway.HTTPAddr != "" {
		httpSrv = &http.Server{
			Addr:              settings.Gateway.HTTPAddr,
			Handler:           gateway.NewHTTPHandler(gw, levels, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", httpSrv.Addr).Msg("starting http admission api")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http api: %w", err)
			}
		}()
	}

	if sshSrv == nil && httpSrv == nil {
		return errors.New("nothing to serve: set an ssh or http listen address")
	}

	// 종료 신호 또는 서버 오류까지 대기, SIGHUP이면 설정만 다시 읽음
	var runErr error
wait:
	for {
		select {
		case <-reloadCh:
			next, err := opts.loadSettings()
			if err != nil {
				logger.Error().Err(err).Msg("config reload failed, keeping current settings")
				continue
			}
			decider.Reload(next)
			logger.Info().Int("maxlevel", next.MaxLevel).Msg("config reloaded")
		case sig := <-quitCh:
			logger.Info().Stringer("signal", sig).Msg("shutting down")
			break wait
		case runErr = <-errCh:
			logger.Error().Err(runErr).Msg("gateway failed")
			break wait
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), so.shutdownTimeout)
	defer cancel()
	if httpSrv != nil {
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	if sshSrv != nil {
		_ = sshSrv.Close()
	}
	return runErr
}
