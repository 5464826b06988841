package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/cuemby/flotilla/pkg/clusterdef"
	"github.com/cuemby/flotilla/pkg/dns"
	"github.com/cuemby/flotilla/pkg/orchestrator"
	"github.com/cuemby/flotilla/pkg/reconciler"
	"github.com/spf13/cobra"
)

// Remote command execution
var commandCmd = &cobra.Command{
	Use:   "command",
	Short: "Run shell commands on instances",
}

var commandRunCmd = &cobra.Command{
	Use:   "run --instance ID [--instance ID...] -- COMMAND...",
	Short: "Run a shell command on instances and wait for the result",
	Long: `Run a shell command on one or more instances and wait for every
invocation to finish.

Examples:
  flotilla command run --instance i-0abc --instance i-0def -- df -h /mnt/disc`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		instances, _ := cmd.Flags().GetStringSlice("instance")
		comment, _ := cmd.Flags().GetString("comment")
		if len(instances) == 0 {
			return fmt.Errorf("at least one --instance is required")
		}

		return withEngine(cmd.Context(), func(a *app, e *orchestrator.Engine) error {
			c, err := e.RunCommand(cmd.Context(), instances, []string{joinArgs(args)}, comment)
			if err != nil {
				return err
			}
			fmt.Printf("Command %s sent to %d instance(s)\n", c.ID, len(c.InstanceIDs))
			return waitCommand(cmd.Context(), c)
		})
	},
}

func init() {
	commandCmd.AddCommand(commandRunCmd)

	commandRunCmd.Flags().StringSlice("instance", nil, "Instance to run on (repeatable)")
	commandRunCmd.Flags().String("comment", "flotilla command", "Comment attached to the command")
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Maintain the agents running on cluster instances",
}

var agentsUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update the system packages and placement agent on every running instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(a *app, e *orchestrator.Engine) error {
			c, err := e.UpdateAgents(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Update %s sent to %d instance(s)\n", c.ID, len(c.InstanceIDs))
			return waitCommand(cmd.Context(), c)
		})
	},
}

var mountsCmd = &cobra.Command{
	Use:   "mounts",
	Short: "Maintain shared mounts on private instances",
}

var mountsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Re-run the mount sync on every running private instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(a *app, e *orchestrator.Engine) error {
			c, err := e.SyncMounts(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Sync %s sent to %d instance(s)\n", c.ID, len(c.InstanceIDs))
			return waitCommand(cmd.Context(), c)
		})
	},
}

func init() {
	agentsCmd.AddCommand(agentsUpdateCmd)
	mountsCmd.AddCommand(mountsSyncCmd)
}

// waitCommand blocks until every invocation finishes, prints the outcome
// and fails unless all of them succeeded
func waitCommand(ctx context.Context, c *orchestrator.Command) error {
	if err := c.Wait(ctx); err != nil {
		return err
	}

	statuses := c.Statuses()
	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tSTATUS")
	for _, id := range ids {
		fmt.Fprintf(w, "%s\t%s\n", id, statuses[id])
	}
	w.Flush()

	ok, err := c.Success(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("command %s did not succeed on every instance", c.ID)
	}
	fmt.Println("✓ Command succeeded")
	return nil
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Resynchronize state and remove stale discovery registrations",
	Long: `Refresh instances and tasks, deregister endpoints whose task is no
longer running and prune old task records.

With --watch the pass repeats until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		interval, _ := cmd.Flags().GetDuration("interval")
		if interval <= 0 {
			interval = cfg.Reconcile.Interval
		}

		return withApp(cmd.Context(), func(a *app) error {
			r := reconciler.NewReconciler(a.mirror, a.tasks,
				reconciler.WithEvents(a.broker),
				reconciler.WithPruner(a.store, cfg.Reconcile.Retention),
			)
			if watch {
				return r.Run(cmd.Context(), interval)
			}

			result, err := r.ReconcileOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("✓ Reconciled: %d task(s) stopped, %d stale endpoint(s) removed, %d record(s) pruned\n",
				len(result.StoppedTasks), len(result.StaleEndpoints), result.Pruned)
			for _, ep := range result.StaleEndpoints {
				fmt.Printf("  - %s\n", ep)
			}
			return nil
		})
	},
}

func init() {
	reconcileCmd.Flags().Bool("watch", false, "Keep reconciling until interrupted")
	reconcileCmd.Flags().Duration("interval", 0, "Interval between passes with --watch (defaults to reconcile.interval)")
}

var dnsCmd = &cobra.Command{
	Use:   "dns",
	Short: "Serve locally registered services over DNS",
}

var dnsServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Answer queries for the local registry and forward the rest",
	Long: `Serve A and SRV records for services registered in the local
registry. Queries outside the domain are forwarded upstream.

Examples:
  # Resolve jetdb.local against a local server
  flotilla dns serve &
  dig @127.0.0.1 -p 5353 jetdb.local`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			server := dns.NewServer(a.store, &dns.Config{
				ListenAddr: cfg.DNS.Listen,
				Domain:     cfg.DNS.Domain,
				Upstream:   cfg.DNS.Upstream,
			})
			if err := server.Start(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("✓ Serving %s on %s\n", cfg.DNS.Domain, server.Addr())

			<-cmd.Context().Done()
			return nil
		})
	},
}

func init() {
	dnsCmd.AddCommand(dnsServeCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and cluster definition",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		fmt.Println("✓ Configuration is valid")

		def, err := loadDefinition(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("✓ Cluster definition %s: %d task(s), %d taskset(s), %d started with the cluster\n",
			def.Name, len(def.Tasks()), len(def.Tasksets()), len(def.AutoStartTasksets()))
		return nil
	},
}

// loadDefinition reads the definition without connecting the providers
// unless it lives in object storage
func loadDefinition(ctx context.Context) (*clusterdef.Cluster, error) {
	if !clusterdef.IsObjectURL(cfg.Definition) {
		return clusterdef.LoadFile(cfg.Definition)
	}
	var def *clusterdef.Cluster
	err := withApp(ctx, func(a *app) error {
		var err error
		def, err = clusterdef.Load(ctx, cfg.Definition, a.aws.Objects)
		return err
	})
	return def, err
}
