package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/backdotai/storage-proxy/internal/api/client"
	"github.com/backdotai/storage-proxy/internal/api/manager"
	"github.com/backdotai/storage-proxy/internal/circuit"
	"github.com/backdotai/storage-proxy/internal/config"
	"github.com/backdotai/storage-proxy/internal/log"
	"github.com/backdotai/storage-proxy/internal/router"
	"github.com/backdotai/storage-proxy/internal/token"
	"github.com/backdotai/storage-proxy/internal/volume"
	"github.com/backdotai/storage-proxy/internal/volume/posix"
	"github.com/backdotai/storage-proxy/internal/volume/xfs"
	"github.com/backdotai/storage-proxy/internal/xfs/registry"
	"github.com/backdotai/storage-proxy/pkg/profiling"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"

	cfgPath string
	debug   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "storage-proxy: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "storage-proxy",
	Short:   "HTTP storage proxy for POSIX and XFS-backed vfolders",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "/etc/storage-proxy/config.yaml", "path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging and the pprof server")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Debug.Enabled = true
		cfg.Logging.Level = "debug"
	}

	logLevel := log.Level(cfg.Logging.Level)
	if debug {
		logLevel = log.Debug
	}
	log.Init(log.Config{Level: logLevel, JSON: cfg.Logging.JSON})
	logger := log.WithComponent("main")

	volumes, err := buildVolumes(cfg)
	if err != nil {
		return fmt.Errorf("build volumes: %w", err)
	}

	r := router.New(volumes, circuit.Config{})
	minter := token.New(cfg.StorageProxy.Secret)

	managerSrv := manager.New(r, minter, cfg.StorageProxy.Secret, cfg.StorageProxy.SessionExpire)
	clientSrv := client.New(r, minter, cfg.StorageProxy.MaxUploadSize)

	managerHTTP := &http.Server{Addr: cfg.API.Manager.ServiceAddr, Handler: managerSrv}
	clientHTTP := &http.Server{Addr: cfg.API.Client.ServiceAddr, Handler: clientSrv}

	errCh := make(chan error, 2)
	go serve(managerHTTP, cfg.API.Manager, "manager", logger, errCh)
	go serve(clientHTTP, cfg.API.Client, "client", logger, errCh)

	var debugHTTP *profiling.Server
	if cfg.Debug.Enabled {
		debugHTTP = profiling.NewServer(fmt.Sprintf(":%d", cfg.Debug.Port), log.WithComponent("debug"))
		debugHTTP.Start()
		logger.Info().Int("port", cfg.Debug.Port).Msg("debug server listening")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error, shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	shutdownErr := false
	if err := managerHTTP.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("manager server shutdown failed")
		shutdownErr = true
	}
	if err := clientHTTP.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("client server shutdown failed")
		shutdownErr = true
	}
	if debugHTTP != nil {
		if err := debugHTTP.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("debug server shutdown failed")
			shutdownErr = true
		}
	}

	if shutdownErr {
		return fmt.Errorf("shutdown completed with errors")
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func serve(srv *http.Server, plane config.PlaneConfig, name string, logger zerolog.Logger, errCh chan<- error) {
	logger.Info().Str("plane", name).Str("addr", srv.Addr).Bool("tls", plane.SSLEnabled).Msg("listening")

	var err error
	if plane.SSLEnabled {
		err = srv.ListenAndServeTLS(plane.SSLCert, plane.SSLPrivkey)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("%s plane: %w", name, err)
	}
}

func buildVolumes(cfg *config.Config) (map[string]volume.Volume, error) {
	var reg *registry.Registry
	volumes := make(map[string]volume.Volume, len(cfg.Volumes))

	for name, vc := range cfg.Volumes {
		info := volume.Info{
			Name:      name,
			Backend:   vc.Backend,
			MountPath: vc.Path,
			FSPrefix:  vc.FSPrefix,
			Options:   vc.Options,
		}

		switch vc.Backend {
		case "posix":
			info.Capabilities = volume.CapVFolder
			volumes[name] = posix.New(info)
		case "xfs":
			if reg == nil {
				var err error
				reg, err = registry.New()
				if err != nil {
					return nil, fmt.Errorf("init xfs project-id registry: %w", err)
				}
			}
			volumes[name] = xfs.New(info, reg, nil)
		default:
			return nil, fmt.Errorf("volume %q: unsupported backend %q", name, vc.Backend)
		}
	}
	return volumes, nil
}
