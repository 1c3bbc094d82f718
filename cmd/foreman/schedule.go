package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"foreman/internal/app"
	"foreman/internal/gantt"
)

func scheduleCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "schedule",
		Short: "Edit the Gantt schedule",
		Long:  "The schedule is a JSON document of rows and timed tasks. Edits snap to open calendar slots, reject dependency cycles, and are saved atomically with a backup.",
	}
	s.AddCommand(scheduleInitCmd())
	s.AddCommand(scheduleShowCmd())
	s.AddCommand(scheduleLayoutCmd())
	s.AddCommand(scheduleDragCmd())
	s.AddCommand(scheduleResizeCmd())
	s.AddCommand(scheduleConnectCmd())
	s.AddCommand(scheduleDisconnectCmd())
	s.AddCommand(scheduleDuplicateCmd())
	s.AddCommand(schedulePromoteCmd())
	s.AddCommand(scheduleSyncCmd())
	return s
}

func scheduleInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create an empty schedule file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				created, err := rt.InitSchedule(ctx)
				if err != nil {
					return err
				}
				if !created {
					fmt.Printf("%s already exists\n", rt.SchedulePath())
					return nil
				}
				fmt.Printf("wrote %s\n", rt.SchedulePath())
				return nil
			})
		},
	}
}

func scheduleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show schedule tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSchedule(cmd.Context(), func(ctx context.Context, rt *app.Runtime, c *gantt.Controller) error {
				doc := c.Document()
				if viper.GetBool("json") {
					return printJSON(doc)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Row", "Type", "Title", "Start", "Minutes", "Depends on", "Status", "Queue task"})
				for _, t := range doc.Tasks {
					tw.AppendRow(table.Row{t.ID, t.RowID, t.Type, t.Title, t.Start, t.DurationMinutes(doc.TimeScale), t.DependsOn, t.EffectiveStatus(), t.QueueTaskID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func scheduleLayoutCmd() *cobra.Command {
	var vp gantt.Viewport
	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Compute bar placements for a viewport",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSchedule(cmd.Context(), func(ctx context.Context, rt *app.Runtime, c *gantt.Controller) error {
				l, err := c.Layout(vp)
				if err != nil {
					return err
				}
				bars := l.Placements()
				overlaps := l.Overlaps()
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"pixels_per_minute": l.PixelsPerMinute(),
						"bars":              bars,
						"ticks":             l.Ticks(),
						"overlaps":          overlaps,
					})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Row", "X", "Y", "Width", "Height"})
				for _, b := range bars {
					tw.AppendRow(table.Row{b.TaskID, b.RowID, fmt.Sprintf("%.1f", b.X), fmt.Sprintf("%.1f", b.Y), fmt.Sprintf("%.1f", b.Width), fmt.Sprintf("%.1f", b.Height)})
				}
				tw.Render()
				for _, o := range overlaps {
					fmt.Printf("overlap: %s and %s\n", o[0], o[1])
				}
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&vp.Width, "width", 1200, "viewport width in pixels")
	cmd.Flags().Float64Var(&vp.Height, "height", 600, "viewport height in pixels")
	cmd.Flags().Float64Var(&vp.Zoom, "zoom", 1, "zoom factor")
	return cmd
}

func scheduleDragCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drag <task-id> <delta-minutes>",
		Short: "Move a task and snap it to the next open slot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid delta: %w", err)
			}
			return editSchedule(cmd.Context(), func(c *gantt.Controller) (gantt.Task, error) {
				return c.DragTask(args[0], delta)
			})
		},
	}
}

func scheduleResizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resize <task-id> <minutes>",
		Short: "Set a task's duration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			minutes, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			return editSchedule(cmd.Context(), func(c *gantt.Controller) (gantt.Task, error) {
				return c.ResizeTask(args[0], minutes)
			})
		},
	}
}

func scheduleConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <task-id> <depends-on>",
		Short: "Make a task depend on another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editSchedule(cmd.Context(), func(c *gantt.Controller) (gantt.Task, error) {
				return c.ConnectDependency(args[0], args[1])
			})
		},
	}
}

func scheduleDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <task-id> <depends-on>",
		Short: "Remove a dependency",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editSchedule(cmd.Context(), func(c *gantt.Controller) (gantt.Task, error) {
				return c.DisconnectDependency(args[0], args[1])
			})
		},
	}
}

func scheduleDuplicateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "duplicate <task-id>",
		Short: "Copy a task into the slot after it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editSchedule(cmd.Context(), func(c *gantt.Controller) (gantt.Task, error) {
				if err := c.Select(args[0]); err != nil {
					return gantt.Task{}, err
				}
				return c.DuplicateSelected()
			})
		},
	}
}

func schedulePromoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "promote",
		Short: "Queue planned tasks whose dependencies are met",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				b, err := rt.Bridge(ctx)
				if err != nil {
					return err
				}
				res, err := b.Promote(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				for _, id := range res.Promoted {
					fmt.Printf("promoted %s\n", id)
				}
				for id, why := range res.Skipped {
					fmt.Printf("skipped %s: %s\n", id, why)
				}
				return nil
			})
		},
	}
}

func scheduleSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Copy queue progress into the schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				b, err := rt.Bridge(ctx)
				if err != nil {
					return err
				}
				changed, err := b.Sync(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"changed": changed})
				}
				fmt.Printf("%d task(s) updated\n", len(changed))
				return nil
			})
		},
	}
}

func withSchedule(ctx context.Context, fn func(context.Context, *app.Runtime, *gantt.Controller) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		c, err := rt.Schedule(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, rt, c)
	})
}

// editSchedule applies one edit and saves; a failed save leaves the file untouched.
func editSchedule(ctx context.Context, fn func(*gantt.Controller) (gantt.Task, error)) error {
	return withSchedule(ctx, func(ctx context.Context, rt *app.Runtime, c *gantt.Controller) error {
		t, err := fn(c)
		if err != nil {
			return err
		}
		if err := c.Save(ctx); err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(t)
		}
		fmt.Printf("%s: start %s, %g min, depends on %v\n", t.ID, t.Start, t.DurationMinutes(c.Document().TimeScale), t.DependsOn)
		return nil
	})
}
