package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lambdaS-zh/kamui/pkg/proxy"
	"github.com/lambdaS-zh/kamui/pkg/stream"
)

func newClientCommand() *cobra.Command {
	var listenAddress string
	var proxyAddress string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the client side: accept local TCP, tunnel through the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if listenAddress != "" {
				cfg.ListenAddress = listenAddress
			}
			if proxyAddress != "" {
				cfg.ProxyAddress = proxyAddress
			}
			if err := cfg.ValidateClient(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			zoneStore, driver, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			client := stream.NewClient(zoneStore, driver, nil)
			p := proxy.NewClientProxy(cfg, client)
			if err := p.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			log.Info("client proxy stopped")
			return nil
		},
	}
	cmd.Flags().StringVarP(&listenAddress, "listen-address", "l", "", "local TCP address, e.g. 127.0.0.1:8088")
	cmd.Flags().StringVarP(&proxyAddress, "proxy-address", "p", "", "abstract proxy address, same at both proxy sides")
	return cmd
}
