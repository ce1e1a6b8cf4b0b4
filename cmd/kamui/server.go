package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lambdaS-zh/kamui/pkg/proxy"
	"github.com/lambdaS-zh/kamui/pkg/stream"
)

func newServerCommand() *cobra.Command {
	var proxyAddress string
	var targetAddress string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the server side: accept tunnel connections, dial the TCP target",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if proxyAddress != "" {
				cfg.ProxyAddress = proxyAddress
			}
			if targetAddress != "" {
				cfg.TargetAddress = targetAddress
			}
			if err := cfg.ValidateServer(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			zoneStore, driver, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			server := stream.NewServer(zoneStore, driver, nil)
			p := proxy.NewServerProxy(cfg, server)
			if err := p.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			log.Info("server proxy stopped")
			return nil
		},
	}
	cmd.Flags().StringVarP(&proxyAddress, "proxy-address", "p", "", "abstract proxy address, same at both proxy sides")
	cmd.Flags().StringVarP(&targetAddress, "target-address", "t", "", "target TCP address, e.g. 127.0.0.1:8090")
	return cmd
}
