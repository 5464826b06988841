package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/cuemby/flotilla/pkg/orchestrator"
	"github.com/cuemby/flotilla/pkg/workload"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// Taskset commands
var tasksetCmd = &cobra.Command{
	Use:   "taskset",
	Short: "Start and stop tasksets",
}

var tasksetStartCmd = &cobra.Command{
	Use:   "start NAME",
	Short: "Start a taskset and its members in dependency order",
	Long: `Start every member of a taskset that is not already running.

The taskset's dependencies must each have at least one running task.
Members are launched in the order of their own dependencies and
registered for discovery once running.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(a *app, e *orchestrator.Engine) error {
			if err := e.StartTaskset(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Taskset %s started\n", args[0])
			return nil
		})
	},
}

var tasksetStopCmd = &cobra.Command{
	Use:   "stop NAME",
	Short: "Stop every task of a taskset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return withEngine(cmd.Context(), func(a *app, e *orchestrator.Engine) error {
			if err := e.StopTaskset(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Printf("✓ Taskset %s stopped\n", args[0])
			return nil
		})
	},
}

func init() {
	tasksetCmd.AddCommand(tasksetStartCmd)
	tasksetCmd.AddCommand(tasksetStopCmd)

	tasksetStopCmd.Flags().String("reason", "Stopped by flotilla", "Reason recorded on the stopped tasks")
}

// Task commands
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Run, stop and list tasks",
}

var taskRunCmd = &cobra.Command{
	Use:   "run NAME",
	Short: "Launch a task",
	Long: `Launch a task from the cluster definition.

Examples:
  # Launch with the definition's count
  flotilla task run jetdb

  # Launch two processors for one day on a given instance
  flotilla task run processor --count 2 --instance i-0abc --arg processDate=20240301 --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		opts := orchestrator.RunOptions{}
		opts.Taskset, _ = flags.GetString("taskset")
		opts.InstanceID, _ = flags.GetString("instance")
		opts.Count, _ = flags.GetInt("count")
		opts.Args, _ = flags.GetStringToString("arg")
		opts.Wait, _ = flags.GetBool("wait")

		return withEngine(cmd.Context(), func(a *app, e *orchestrator.Engine) error {
			result, err := e.RunTask(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}

			fmt.Printf("Launched %d of %d %s task(s) in group %s\n",
				len(result.Tasks), result.Requested, result.Task, result.Group)
			for _, t := range result.Tasks {
				fmt.Printf("  %s  %s\n", t.ID, t.State)
			}
			for _, f := range result.Fails {
				fmt.Printf("  ✗ %s: %s\n", f.Reason, f.Detail)
			}
			return result.Err()
		})
	},
}

var taskStopCmd = &cobra.Command{
	Use:   "stop NAME",
	Short: "Stop every running task with a name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		wait, _ := cmd.Flags().GetBool("wait")

		return withEngine(cmd.Context(), func(a *app, e *orchestrator.Engine) error {
			n, err := e.StopTask(cmd.Context(), args[0], reason, wait)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Stopped %d %s task(s)\n", n, args[0])
			return nil
		})
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the cluster's tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.mirror.RefreshInstances(cmd.Context()); err != nil {
				return err
			}
			if err := a.tasks.Refresh(cmd.Context()); err != nil {
				return err
			}
			printTasks(a, a.tasks.All())
			return nil
		})
	},
}

var taskHistoryCmd = &cobra.Command{
	Use:   "history [TASK_ID]",
	Short: "Show recorded task status history",
	Long: `Without arguments, list every task record kept in the local registry.
With a task id, print that task's status changes in order.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			if len(args) == 0 {
				records, err := a.store.ListTaskRecords()
				if err != nil {
					return err
				}
				sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tGROUP\tSTATUS\tCHANGED")
				for _, r := range records {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						shortID(r.TaskID), r.Name, r.Group, r.CurrentStatus, age(r.LastStatusChangedAt))
				}
				return w.Flush()
			}

			rec, err := a.store.GetTaskRecord(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s) in %s\n", rec.Name, rec.TaskID, rec.Group)
			for _, h := range rec.History {
				fmt.Printf("  %s  %-10s %s\n", h.At.Format(time.RFC3339), h.Status, h.Message)
			}
			return nil
		})
	},
}

func init() {
	taskCmd.AddCommand(taskRunCmd)
	taskCmd.AddCommand(taskStopCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskHistoryCmd)

	taskRunCmd.Flags().String("taskset", "", "Launch group (defaults to single)")
	taskRunCmd.Flags().String("instance", "", "Place the tasks on this instance")
	taskRunCmd.Flags().Int("count", 0, "Number of tasks (overrides the definition)")
	taskRunCmd.Flags().StringToString("arg", nil, "Template argument as key=value (repeatable)")
	taskRunCmd.Flags().Bool("wait", false, "Wait until the tasks are running and registered")

	taskStopCmd.Flags().String("reason", "Stopped by flotilla", "Reason recorded on the stopped tasks")
	taskStopCmd.Flags().Bool("wait", false, "Wait until the tasks have stopped")
}

func printTasks(a *app, tasks []*workload.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Group != tasks[j].Group {
			return tasks[i].Group < tasks[j].Group
		}
		return tasks[i].Name < tasks[j].Name
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tGROUP\tSTATE\tINSTANCE\tPORT\tSERVICE\tAGE")
	for _, t := range tasks {
		instance := t.InstanceID
		if inst, ok := a.mirror.Instance(t.InstanceID); ok && inst.Name() != "" {
			instance = inst.Name()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(t.ID), t.Name, t.Group, t.State, instance, t.HostPort(), t.ServiceName, age(t.CreatedAt))
	}
	w.Flush()
}

// shortID trims an ARN to its final path element
func shortID(id string) string {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '/' {
			return id[i+1:]
		}
	}
	return id
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}
