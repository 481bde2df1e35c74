package main

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitabwire/contentflow/internal/schedule"
	"github.com/pitabwire/contentflow/model"
)

func newScheduleCmd() *cobra.Command {
	var api apiFlags
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recurring workflow schedules",
	}
	api.register(cmd)

	var (
		cron, overlap, note, args string
		catchup                   time.Duration
		paused                    bool
	)
	create := &cobra.Command{
		Use:   "create <entity-id> <schedule-type>",
		Short: "Create a schedule (idempotent)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, a []string) error {
			raw, err := jsonArg("args", args)
			if err != nil {
				return err
			}
			return api.call(cmd.Context(), cmd.OutOrStdout(), "schedule.create", http.MethodPost, "/schedules", schedule.CreateRequest{
				EntityID:       a[0],
				ScheduleType:   a[1],
				CronExpression: cron,
				OverlapPolicy:  model.OverlapPolicy(overlap),
				CatchupWindow:  catchup,
				Args:           raw,
				Paused:         paused,
				Note:           note,
			})
		},
	}
	create.Flags().StringVar(&cron, "cron", "", "cron expression (defaults to the schedule type's cadence)")
	create.Flags().StringVar(&overlap, "overlap", "", "overlap policy: SKIP, ALLOW_ALL or TERMINATE_OTHER")
	create.Flags().DurationVar(&catchup, "catchup-window", 0, "how far back missed fire times are caught up")
	create.Flags().StringVar(&args, "args", "", "workflow input as JSON")
	create.Flags().BoolVar(&paused, "paused", false, "create the schedule paused")
	create.Flags().StringVar(&note, "note", "", "operator note")

	var entity string
	list := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/schedules"
			if entity != "" {
				path += "?entity_id=" + url.QueryEscape(entity)
			}
			return api.call(cmd.Context(), cmd.OutOrStdout(), "schedule.list", http.MethodGet, path, nil)
		},
	}
	list.Flags().StringVar(&entity, "entity", "", "only schedules of this entity")

	// scheduleAction builds a command addressing one schedule.
	scheduleAction := func(use, short, method, suffix string, withNote bool) *cobra.Command {
		var note string
		c := &cobra.Command{
			Use:   use + " <entity-id> <schedule-type>",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, a []string) error {
				path := fmt.Sprintf("/schedules/%s/%s", escape(a[0], a[1])...) + suffix
				var body any
				if withNote {
					body = map[string]string{"note": note}
				}
				return api.call(cmd.Context(), cmd.OutOrStdout(), "schedule."+use, method, path, body)
			},
		}
		if withNote {
			c.Flags().StringVar(&note, "note", "", "operator note")
		}
		return c
	}

	updateCron := &cobra.Command{
		Use:   "cron <entity-id> <schedule-type> <expression>",
		Short: "Replace a schedule's cron expression",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, a []string) error {
			path := fmt.Sprintf("/schedules/%s/%s/cron", escape(a[0], a[1])...)
			return api.call(cmd.Context(), cmd.OutOrStdout(), "schedule.cron", http.MethodPut, path,
				map[string]string{"cron_expression": a[2]})
		},
	}

	cmd.AddCommand(
		create,
		list,
		updateCron,
		scheduleAction("get", "Show a schedule", http.MethodGet, "", false),
		scheduleAction("pause", "Pause a schedule", http.MethodPost, "/pause", true),
		scheduleAction("resume", "Resume a paused schedule", http.MethodPost, "/resume", true),
		scheduleAction("trigger", "Fire a schedule now", http.MethodPost, "/trigger", false),
		scheduleAction("delete", "Delete a schedule", http.MethodDelete, "", false),
	)
	return cmd
}
