package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/cuemby/flotilla/pkg/orchestrator"
	"github.com/cuemby/flotilla/pkg/types"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// Cluster commands
var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Start, shut down and inspect the whole cluster",
}

var clusterStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start every taskset in dependency order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(a *app, e *orchestrator.Engine) error {
			order, err := e.TasksetOrder()
			if err != nil {
				return err
			}
			fmt.Printf("Starting tasksets: %v\n", order)

			if err := e.StartCluster(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("✓ Cluster started")
			return nil
		})
	},
}

var clusterShutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop every taskset in reverse dependency order and stop the instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return withEngine(cmd.Context(), func(a *app, e *orchestrator.Engine) error {
			if err := e.ShutdownCluster(cmd.Context(), reason); err != nil {
				return err
			}
			fmt.Println("✓ Cluster shut down")
			return nil
		})
	},
}

var clusterStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize instances, volumes and tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.mirror.Refresh(cmd.Context()); err != nil {
				return err
			}
			if err := a.tasks.Refresh(cmd.Context()); err != nil {
				return err
			}

			instances := make(map[types.InstanceState]int)
			for _, inst := range a.mirror.Instances() {
				instances[inst.State]++
			}
			tasks := make(map[types.TaskState]int)
			for _, t := range a.tasks.All() {
				tasks[t.State]++
			}
			var provisioned int64
			for _, v := range a.mirror.Volumes() {
				provisioned += int64(v.Size)
			}

			fmt.Printf("Cluster: %s (%s)\n", a.cfg.Cluster, a.cfg.Region)
			fmt.Printf("Instances: %d running, %d pending, %d stopped\n",
				instances[types.InstanceStateRunning], instances[types.InstanceStatePending], instances[types.InstanceStateStopped])
			fmt.Printf("Volumes: %d (%s provisioned)\n", len(a.mirror.Volumes()), humanize.IBytes(uint64(provisioned)<<30))
			fmt.Printf("Subnets: %d\n", len(a.mirror.Subnets()))
			fmt.Printf("Tasks: %d running, %d pending, %d stopping\n",
				tasks[types.TaskStateRunning], tasks[types.TaskStatePending], tasks[types.TaskStateStopping])
			return nil
		})
	},
}

func init() {
	clusterCmd.AddCommand(clusterStartCmd)
	clusterCmd.AddCommand(clusterShutdownCmd)
	clusterCmd.AddCommand(clusterStatusCmd)

	clusterShutdownCmd.Flags().String("reason", "Cluster shutdown", "Reason recorded on the stopped tasks")
}

// Instance commands
var instancesCmd = &cobra.Command{
	Use:     "instances",
	Aliases: []string{"instance"},
	Short:   "Inspect and control the cluster's compute instances",
}

var instancesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List compute instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.mirror.RefreshInstances(cmd.Context()); err != nil {
				return err
			}

			instances := a.mirror.Instances()
			sort.Slice(instances, func(i, j int) bool { return instances[i].Name() < instances[j].Name() })

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tROLE\tSTATE\tTYPE\tZONE\tPRIVATE IP\tPUBLIC IP\tAGE")
			for _, inst := range instances {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					inst.ID, inst.Name(), inst.Role(), inst.State, inst.InstanceType, inst.Zone,
					dash(inst.PrivateIP), dash(inst.PublicIP), age(inst.LaunchedAt))
			}
			return w.Flush()
		})
	},
}

var instancesStartCmd = &cobra.Command{
	Use:   "start ID...",
	Short: "Start stopped instances",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.mirror.RefreshInstances(cmd.Context()); err != nil {
				return err
			}
			for _, id := range args {
				if err := a.mirror.StartInstance(cmd.Context(), id, wait); err != nil {
					return err
				}
				fmt.Printf("✓ Instance %s started\n", id)
			}
			return nil
		})
	},
}

var instancesStopCmd = &cobra.Command{
	Use:   "stop ID...",
	Short: "Stop running instances",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.mirror.RefreshInstances(cmd.Context()); err != nil {
				return err
			}
			for _, id := range args {
				if err := a.mirror.StopInstance(cmd.Context(), id, wait); err != nil {
					return err
				}
				fmt.Printf("✓ Instance %s stopped\n", id)
			}
			return nil
		})
	},
}

func init() {
	instancesCmd.AddCommand(instancesListCmd)
	instancesCmd.AddCommand(instancesStartCmd)
	instancesCmd.AddCommand(instancesStopCmd)

	instancesStartCmd.Flags().Bool("wait", false, "Wait until the instances pass status checks")
	instancesStopCmd.Flags().Bool("wait", false, "Wait until the instances have stopped")
}

// Volume commands
var volumesCmd = &cobra.Command{
	Use:     "volumes",
	Aliases: []string{"volume"},
	Short:   "Inspect and destroy block volumes",
}

var volumesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List block volumes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.mirror.RefreshVolumes(cmd.Context()); err != nil {
				return err
			}

			volumes := a.mirror.Volumes()
			sort.Slice(volumes, func(i, j int) bool { return volumes[i].Name() < volumes[j].Name() })

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSIZE\tTYPE\tIOPS\tSTATE\tINSTANCE\tDEVICE\tAGE")
			for _, v := range volumes {
				instance, device := "-", "-"
				if v.Attachment != nil {
					instance, device = v.Attachment.InstanceID, v.Attachment.Device
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					v.ID, dash(v.Name()), humanize.IBytes(uint64(v.Size)<<30), v.Type, v.IOPS, v.State,
					instance, device, age(v.CreatedAt))
			}
			return w.Flush()
		})
	},
}

var volumesDestroyCmd = &cobra.Command{
	Use:   "destroy ID",
	Short: "Detach and delete a block volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.mirror.RefreshVolumes(cmd.Context()); err != nil {
				return err
			}
			if err := a.mirror.DestroyVolume(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Volume %s destroyed\n", args[0])
			return nil
		})
	},
}

func init() {
	volumesCmd.AddCommand(volumesListCmd)
	volumesCmd.AddCommand(volumesDestroyCmd)
}

// Subnet commands
var subnetsCmd = &cobra.Command{
	Use:     "subnets",
	Aliases: []string{"subnet"},
	Short:   "Inspect the cluster's subnets",
}

var subnetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subnets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.mirror.RefreshSubnets(cmd.Context()); err != nil {
				return err
			}

			subnets := a.mirror.Subnets()
			sort.Slice(subnets, func(i, j int) bool { return subnets[i].Zone < subnets[j].Zone })

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tZONE\tCIDR\tPUBLIC")
			for _, s := range subnets {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", s.ID, s.Zone, s.CIDR, s.Public)
			}
			return w.Flush()
		})
	},
}

func init() {
	subnetsCmd.AddCommand(subnetsListCmd)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
