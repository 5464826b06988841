package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/flotilla/pkg/config"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded once per invocation by the root command
var cfg *config.Config

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flotilla",
	Short: "Flotilla - fleet and workload orchestrator",
	Long: `Flotilla drives a fleet of cloud instances and the containerized
workloads placed on them from a declarative cluster definition.

It starts and stops tasksets in dependency order, registers running tasks
for service discovery, and provisions per-unit instances and volumes for
batch processing.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Flotilla version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Configuration file")
	flags.String("definition", "", "Cluster definition (path or s3:// URL)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("json-logs", false, "Log as JSON")
	flags.String("data-dir", "", "Directory for local state")
	flags.String("metrics-addr", "", "Serve metrics and health on this address")
	flags.String("cluster", "", "Cluster name")

	rootCmd.AddCommand(tasksetCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(instancesCmd)
	rootCmd.AddCommand(volumesCmd)
	rootCmd.AddCommand(subnetsCmd)
	rootCmd.AddCommand(commandCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(mountsCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(dnsCmd)
	rootCmd.AddCommand(validateCmd)
}

// loadConfig reads the configuration file, applies flag overrides and
// initializes logging
func loadConfig(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	level, _ := flags.GetString("log-level")
	jsonLogs, _ := flags.GetBool("json-logs")
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonLogs,
	})

	path, _ := flags.GetString("config")
	if path == "" {
		path = os.Getenv("FLOTILLA_CONFIG")
	}

	c := config.Default()
	if path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return err
		}
		c = loaded
	}

	if v, _ := flags.GetString("definition"); v != "" {
		c.Definition = v
	}
	if v, _ := flags.GetString("data-dir"); v != "" {
		c.DataDir = v
	}
	if v, _ := flags.GetString("metrics-addr"); v != "" {
		c.Metrics.Listen = v
	}
	if v, _ := flags.GetString("cluster"); v != "" {
		c.Cluster = v
	}

	cfg = c
	metrics.SetVersion(Version)
	return nil
}
