package proxycmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"interceptproxy/internal/cache"
	"interceptproxy/internal/cert"
	"interceptproxy/internal/config"
	"interceptproxy/internal/filter"
	"interceptproxy/internal/log"
	"interceptproxy/internal/proxyserver"
	"interceptproxy/internal/resolver"
)

// runCmd mirrors the teacher's cmd/run.go foreground-run idiom: load
// config, construct every collaborator, and block serving until killed.
func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "./.config/proxy.toml", "path to the TOML config file")
	return cmd
}

func runProxy(configPath string) error {
	logger := log.Named("proxycmd")

	file, err := config.LoadFile(configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", zap.String("path", configPath), zap.Error(err))
		file = config.DefaultFile()
	}

	cfg := config.New(file.Values)

	f, err := filter.Load(file.FilterPath)
	if err != nil {
		return fmt.Errorf("loading filter file: %w", err)
	}

	ca := cert.NewStore(file.CACertPath, file.CAKeyPath, cfg)
	if _, err := ca.ReadCA(); err != nil {
		if errors.Is(err, cert.ErrCAExpired) {
			logger.Warn("CA certificate expired; generating a new one", zap.Error(err))
		}
		if _, genErr := ca.GenerateCA(); genErr != nil && !errors.Is(genErr, cert.ErrIdenticalCA) {
			return fmt.Errorf("generating CA: %w", genErr)
		}
	}

	srv := proxyserver.New(cfg, f, ca, resolver.New(), cache.NopCache{})

	logger.Info("starting proxy", zap.String("listen", file.ProxyListen))
	return srv.ListenAndServe(context.Background(), file.ProxyListen)
}
