package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"maintenance-worker/internal/queue"
)

func runSchedule(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: maint schedule <set|ls|rm> [args]")
		return
	}

	switch args[0] {
	case "set":
		var sc queue.Schedule
		var inputPath string
		var disabled bool
		withService("schedule set", args[1:], func(fs *flag.FlagSet) {
			fs.StringVar(&sc.Name, "name", "", "Schedule name")
			fs.StringVar(&sc.CronExpr, "cron", "", "Cron expression (5 fields or @descriptor)")
			fs.StringVar(&sc.TaskName, "task", "", "Qualified task name")
			fs.StringVar(&inputPath, "input", "", "File attached to every run it creates")
			fs.BoolVar(&disabled, "disabled", false, "Create the schedule disabled")
		}, func(ctx context.Context, q *queue.Service, _ *flag.FlagSet) error {
			if sc.Name == "" || sc.CronExpr == "" || sc.TaskName == "" {
				return fmt.Errorf("--name, --cron and --task required")
			}
			input, err := readInput(inputPath, os.Stdin)
			if err != nil {
				return err
			}
			sc.Input = input
			sc.Enabled = !disabled
			if err := q.UpsertSchedule(ctx, sc); err != nil {
				return err
			}
			fmt.Printf("Saved schedule %s (%s -> %s)\n", sc.Name, sc.CronExpr, sc.TaskName)
			return nil
		})
	case "ls":
		withService("schedule ls", args[1:], nil, func(ctx context.Context, q *queue.Service, _ *flag.FlagSet) error {
			schedules, err := q.ListSchedules(ctx)
			if err != nil {
				return err
			}
			if len(schedules) == 0 {
				fmt.Println("No schedules configured.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "Name\tCron\tTask\tEnabled\tLastRun\tNextRun")
			for _, sc := range schedules {
				next := sc.NextRunAt
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n", sc.Name, sc.CronExpr, sc.TaskName, sc.Enabled, formatTime(sc.LastRunAt), formatTime(&next))
			}
			return tw.Flush()
		})
	case "rm":
		var name string
		withService("schedule rm", args[1:], func(fs *flag.FlagSet) {
			fs.StringVar(&name, "name", "", "Schedule to delete")
		}, func(ctx context.Context, q *queue.Service, _ *flag.FlagSet) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			deleted, err := q.DeleteSchedule(ctx, name)
			if err != nil {
				return err
			}
			if !deleted {
				fmt.Printf("No schedule named %s\n", name)
				return nil
			}
			fmt.Printf("Deleted schedule %s\n", name)
			return nil
		})
	default:
		fmt.Println("usage: maint schedule <set|ls|rm> [args]")
	}
}
