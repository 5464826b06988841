package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/cuemby/flotilla/pkg/batch"
	"github.com/cuemby/flotilla/pkg/config"
	"github.com/cuemby/flotilla/pkg/orchestrator"
	"github.com/spf13/cobra"
)

const dayLayout = "20060102"

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Provision instances and run workloads for batch units",
}

var batchRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Process one unit per day in a date range",
	Long: `Process one unit per calendar day between --from and --to inclusive.

Each unit gets its own instance and data volume in the next zone of the
rotation, then the configured stages are started on it in order. Units
that already have output, or whose instance is still running, are
skipped.

Examples:
  flotilla batch run --from 20240301 --to 20240331`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fromFlag, _ := cmd.Flags().GetString("from")
		toFlag, _ := cmd.Flags().GetString("to")
		units, err := unitsBetween(fromFlag, toFlag)
		if err != nil {
			return err
		}
		if err := cfg.ValidateBatchRun(); err != nil {
			return err
		}

		return withEngine(cmd.Context(), func(a *app, e *orchestrator.Engine) error {
			opts := []batch.Option{
				batch.WithJournal(a.store),
				batch.WithEvents(a.broker),
			}
			if cfg.Batch.Output.Bucket != "" {
				opts = append(opts, batch.WithOutputs(a.aws.Objects))
			}

			loop := batch.NewLoop(e, batchConfig(cfg.Batch), opts...)
			fmt.Printf("Processing %d unit(s) across zones %v\n", len(units), cfg.Batch.Zones)

			report, err := loop.Run(cmd.Context(), units)
			if report != nil {
				printReport(report)
			}
			return err
		})
	},
}

var batchStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the journal of processed units",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			units, err := a.store.ListUnits()
			if err != nil {
				return err
			}
			sort.Slice(units, func(i, j int) bool { return units[i].Key < units[j].Key })

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "UNIT\tSTATUS\tZONE\tINSTANCE\tVOLUME\tATTEMPTS\tUPDATED\tERROR")
			for _, u := range units {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					u.Key, u.Status, dash(u.Zone), dash(u.InstanceID), dash(u.VolumeID), u.Attempts, age(u.UpdatedAt), u.Error)
			}
			return w.Flush()
		})
	},
}

func init() {
	batchCmd.AddCommand(batchRunCmd)
	batchCmd.AddCommand(batchStatusCmd)

	batchRunCmd.Flags().String("from", "", "First day to process (YYYYMMDD)")
	batchRunCmd.Flags().String("to", "", "Last day to process (YYYYMMDD, defaults to --from)")
	_ = batchRunCmd.MarkFlagRequired("from")
}

// unitsBetween parses the day range and expands it to daily units
func unitsBetween(from, to string) ([]batch.Unit, error) {
	start, err := time.Parse(dayLayout, from)
	if err != nil {
		return nil, fmt.Errorf("invalid --from %q: expected YYYYMMDD", from)
	}
	end := start
	if to != "" {
		end, err = time.Parse(dayLayout, to)
		if err != nil {
			return nil, fmt.Errorf("invalid --to %q: expected YYYYMMDD", to)
		}
	}
	if end.Before(start) {
		return nil, fmt.Errorf("--to %s is before --from %s", to, from)
	}
	return batch.DailyUnits(start, end), nil
}

func batchConfig(c config.BatchConfig) batch.Config {
	return batch.Config{
		Role:            c.Role,
		Zones:           c.Zones,
		MaxInstances:    c.MaxInstances,
		CapacityBackoff: c.CapacityBackoff,
		MaxFailures:     c.MaxFailures,
		InstanceType:    c.InstanceType,
		ImageID:         c.ImageID,
		KeyName:         c.KeyName,
		SecurityGroups:  c.SecurityGroups,
		InstanceProfile: c.InstanceProfile,
		VolumeSize:      c.Volume.Size,
		VolumeType:      c.Volume.Type,
		Device:          c.Volume.Device,
		MountPoint:      c.Volume.MountPoint,
		Stages:          c.Stages,
		GroupPrefix:     c.GroupPrefix,
		OutputBucket:    c.Output.Bucket,
		OutputPrefix:    c.Output.Prefix,
	}
}

func printReport(r *batch.Report) {
	fmt.Printf("Started: %d  Skipped: %d  Failed: %d  Provisioning failures: %d\n",
		len(r.Started), len(r.Skipped), len(r.Failed), r.ProvisionFailures)
	for _, key := range r.Started {
		fmt.Printf("  ✓ %s\n", key)
	}
	for _, f := range r.Failed {
		fmt.Printf("  ✗ %s (%s): %v\n", f.Key, f.Stage, f.Err)
	}
	if len(r.RemovedZones) > 0 {
		fmt.Printf("Zones removed from rotation: %v\n", r.RemovedZones)
	}
}
