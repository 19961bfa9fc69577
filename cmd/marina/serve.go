package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/marina"
	"pkt.systems/marina/httpapi"
	"pkt.systems/marina/internal/appconfig"
	"pkt.systems/pslog"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the development marina API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(flags.cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			srv, err := marina.NewServer(serverConfig(cfg), logger)
			if err != nil {
				return err
			}
			if err := srv.Start(cmd.Context()); err != nil {
				return err
			}
			err = srv.Wait()
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if stopErr := srv.Stop(stopCtx); stopErr != nil {
				logger.Warn("server stop failed", "err", stopErr)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func serverConfig(cfg appconfig.Config) marina.ServerConfig {
	return marina.ServerConfig{
		HTTP: httpapi.Config{
			Addr:            cfg.Server.Addr,
			SessionCookie:   cfg.Server.SessionCookie,
			SessionTTLHours: cfg.Server.SessionTTLHours,
			SessionFile:     cfg.Server.SessionFile,
		},
		UserFile:   cfg.Server.UserFile,
		CodePeriod: time.Duration(cfg.Server.OTPPeriodSeconds) * time.Second,
	}
}
