// archetyped — per-host network emulation agent
//
// archetyped runs on one host and drives container and VM backends,
// OVS/VXLAN wiring, and a local HTTP+WebSocket control surface on behalf
// of a central controller.
//
// Usage:
//
//	archetyped serve                  # run the agent, blocking
//	archetyped register               # register once against the controller and exit
//	archetyped console <lab> <node>   # attach this terminal to a node's console
//	archetyped version                # print version info
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/archetype-iac/archetyped/internal/config"
	"github.com/archetype-iac/archetyped/pkg/agent"
	"github.com/archetype-iac/archetyped/pkg/util"
	"github.com/archetype-iac/archetyped/pkg/version"
)

var (
	configPath string
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "archetyped",
	Short:             "Per-host network emulation agent",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `archetyped runs on one host and drives container and VM backends,
OVS/VXLAN wiring, and a local HTTP+WebSocket control surface on behalf of
a central controller.

  archetyped serve                  # run the agent, blocking
  archetyped register               # register once against the controller and exit
  archetyped console <lab> <node>   # attach this terminal to a node's console
  archetyped version                # print version info`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			return util.SetLogLevel("debug")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default "+config.DefaultConfigPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		newServeCmd(),
		newRegisterCmd(),
		newVersionCmd(),
		newConsoleCmd(),
	)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("archetyped: load config: %w", err)
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent, blocking until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := agent.New(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			go func() {
				<-sigCh
				util.Logger.Info("archetyped: signal received, shutting down")
				cancel()
			}()

			return a.Run(ctx)
		},
	}
}

func newRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register once against the configured controller and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.ControllerURL == "" {
				return fmt.Errorf("archetyped: no controller_url configured")
			}
			a, err := agent.New(cfg)
			if err != nil {
				return err
			}
			return a.RegisterOnce(context.Background())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("archetyped %s (%s)\n", version.Version, version.GitCommit)
			return nil
		},
	}
}
