package main

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitabwire/contentflow/internal/orchestrator"
)

func newWorkflowCmd() *cobra.Command {
	var api apiFlags
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Start and inspect workflow runs",
	}
	api.register(cmd)

	var (
		input, queue string
		execTimeout  time.Duration
	)
	start := &cobra.Command{
		Use:   "start <workflow-type> <content-id>",
		Short: "Start a workflow for a content item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, a []string) error {
			raw, err := jsonArg("input", input)
			if err != nil {
				return err
			}
			return api.call(cmd.Context(), cmd.OutOrStdout(), "workflow.start", http.MethodPost, "/workflows", orchestrator.StartRequest{
				WorkflowType:     a[0],
				ContentID:        a[1],
				Input:            raw,
				TaskQueue:        queue,
				ExecutionTimeout: execTimeout,
			})
		},
	}
	start.Flags().StringVar(&input, "input", "", "workflow input as JSON")
	start.Flags().StringVar(&queue, "task-queue", "", "task queue (defaults to the engine's)")
	start.Flags().DurationVar(&execTimeout, "execution-timeout", 0, "bound on the whole workflow including continuations")

	var payload, runID string
	signal := &cobra.Command{
		Use:   "signal <workflow-id> <signal>",
		Short: "Send a signal to a running workflow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, a []string) error {
			raw, err := jsonArg("payload", payload)
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/workflows/%s/signals/%s", escape(a[0], a[1])...)
			if runID != "" {
				path += "?run_id=" + url.QueryEscape(runID)
			}
			var body any
			if raw != nil {
				body = raw
			}
			return api.call(cmd.Context(), cmd.OutOrStdout(), "workflow.signal", http.MethodPost, path, body)
		},
	}
	signal.Flags().StringVar(&payload, "payload", "", "signal payload as JSON")
	signal.Flags().StringVar(&runID, "run-id", "", "only deliver to this run")

	describe := &cobra.Command{
		Use:   "describe <workflow-id>",
		Short: "Show the latest run of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, a []string) error {
			return api.call(cmd.Context(), cmd.OutOrStdout(), "workflow.describe", http.MethodGet,
				fmt.Sprintf("/workflows/%s", escape(a[0])...), nil)
		},
	}

	history := &cobra.Command{
		Use:   "history <workflow-id>",
		Short: "Show the event history of a workflow's latest run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, a []string) error {
			return api.call(cmd.Context(), cmd.OutOrStdout(), "workflow.history", http.MethodGet,
				fmt.Sprintf("/workflows/%s/history", escape(a[0])...), nil)
		},
	}

	var reason string
	terminate := &cobra.Command{
		Use:   "terminate <workflow-id>",
		Short: "Terminate a running workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, a []string) error {
			return api.call(cmd.Context(), cmd.OutOrStdout(), "workflow.terminate", http.MethodPost,
				fmt.Sprintf("/workflows/%s/terminate", escape(a[0])...), map[string]string{"reason": reason})
		},
	}
	terminate.Flags().StringVar(&reason, "reason", "", "termination reason recorded in history")

	cmd.AddCommand(start, signal, describe, history, terminate)
	return cmd
}
