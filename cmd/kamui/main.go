package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	kamui "github.com/lambdaS-zh/kamui"
	"github.com/lambdaS-zh/kamui/pkg/config"
	"github.com/lambdaS-zh/kamui/pkg/store"
	_ "github.com/lambdaS-zh/kamui/pkg/store/all"
	storefs "github.com/lambdaS-zh/kamui/pkg/store/fs"
	"github.com/lambdaS-zh/kamui/pkg/stream"
)

var (
	flagConfig    string
	flagIops      int
	flagTimeSlice int
	flagWorkspace string
	flagStore     string
	flagVerbose   bool
)

func main() {
	root := &cobra.Command{
		Use:   "kamui",
		Short: "Tunnel TCP connections through a shared filesystem",
		Long: "kamui bridges TCP connections between two processes that cannot reach\n" +
			"each other over the network but share a directory. Run the client side\n" +
			"next to the program that dials, the server side next to the target.",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagVerbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "INI config file")
	root.PersistentFlags().IntVar(&flagIops, "iops", config.DefaultIops, "max iops for disk reading and writing")
	root.PersistentFlags().IntVar(&flagTimeSlice, "time-slice-interval", config.DefaultTimeSliceInterval, "msecs between each poll retry")
	root.PersistentFlags().StringVar(&flagWorkspace, "workspace", config.DefaultWorkspace, "workspace dir, same at both proxy sides")
	root.PersistentFlags().StringVar(&flagStore, "store", config.DefaultStore, "zone store driver")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newClientCommand())
	root.AddCommand(newServerCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges the optional config file with the flags; flags set
// explicitly win.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if flagConfig != "" {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if flagConfig == "" || cmd.Flags().Changed("iops") {
		cfg.Iops = flagIops
	}
	if flagConfig == "" || cmd.Flags().Changed("time-slice-interval") {
		cfg.TimeSliceInterval = flagTimeSlice
	}
	if flagConfig == "" || cmd.Flags().Changed("workspace") {
		cfg.Workspace = flagWorkspace
	}
	if flagConfig == "" || cmd.Flags().Changed("store") {
		cfg.Store = flagStore
	}
	return cfg, nil
}

// openStore builds the gated zone store and, when the driver supports it, a
// workspace watcher feeding the poll driver's wake channel.
func openStore(ctx context.Context, cfg *config.Config) (kamui.Store, *stream.Driver, error) {
	gate := store.NewGate(cfg.Iops)
	zoneStore, err := store.NewStore(cfg.Store, cfg.Workspace, gate)
	if err != nil {
		return nil, nil, err
	}
	driver := &stream.Driver{Interval: cfg.TimeSlice()}
	if fsStore, ok := zoneStore.(*storefs.Store); ok {
		wake, err := fsStore.Watch(ctx)
		if err != nil {
			log.Warnf("workspace watcher unavailable, polling only: %v", err)
		} else {
			driver.Wake = wake
		}
	}
	return zoneStore, driver, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
