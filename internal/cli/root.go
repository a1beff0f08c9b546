// Package cli provides the volctl command-line interface to a running
// settlement daemon.
package cli

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexus-trading/volsettle/internal/api"
	"github.com/nexus-trading/volsettle/internal/config"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2025-09-01"
)

// DefaultAddr is used when neither --addr nor VOLSETTLE_ADDR is set.
const DefaultAddr = "127.0.0.1:9090"

// App holds the dependencies shared by every command.
type App struct {
	Client *api.Client
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	app := &App{}

	rootCmd := &cobra.Command{
		Use:   "volctl",
		Short: "Control a volatility settlement daemon",
		Long: `volctl drives a running volsettled instance over its HTTP API.

It feeds the oracle, manages futures, perpetual and variance swap markets,
and operates the risk control plane.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			app.Client = api.NewClient(addr, timeout)
			app.Client.TraceID, _ = cmd.Flags().GetString("trace")
			return nil
		},
	}

	addr := os.Getenv("VOLSETTLE_ADDR")
	if addr == "" {
		addr = DefaultAddr
	}
	rootCmd.PersistentFlags().String("addr", addr, "daemon address (env VOLSETTLE_ADDR)")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Second, "request timeout")
	rootCmd.PersistentFlags().String("trace", "", "trace id attached to the request")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newBalanceCmd(app))
	rootCmd.AddCommand(newDepositCmd(app))
	rootCmd.AddCommand(newOracleCmd(app))
	rootCmd.AddCommand(newFuturesCmd(app))
	rootCmd.AddCommand(newPerpsCmd(app))
	rootCmd.AddCommand(newVarianceCmd(app))
	rootCmd.AddCommand(newControlCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"version": Version, "build_date": BuildDate})
				return
			}
			output.Printf("volctl v%s (%s)\n", Version, BuildDate)
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Daemon configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <path>",
		Short: "Load and validate a daemon configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg, err := config.Load(args[0])
			if err != nil {
				output.Error("Configuration invalid: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(cfg)
			}
			output.Success("Configuration is valid")
			output.KeyValues([][2]string{
				{"instance", cfg.General.InstanceID},
				{"environment", cfg.General.Environment},
				{"futures instruments", strconv.Itoa(len(cfg.Futures))},
				{"perp markets", strconv.Itoa(len(cfg.Perps))},
				{"store", cfg.Store.Path},
				{"kafka", strconv.FormatBool(cfg.Kafka.Enabled)},
				{"clickhouse", strconv.FormatBool(cfg.ClickHouse.Enabled)},
			})
			return nil
		},
	})
	return cmd
}

func parseUint(name, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a non-negative integer", name, s)
	}
	return v, nil
}
