package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitabwire/contentflow/internal/config"
	"github.com/pitabwire/contentflow/internal/invoker"
)

// apiFlags locate the server administered by the schedule and workflow
// commands.
type apiFlags struct {
	server   string
	tokenEnv string
	timeout  time.Duration
}

func (f *apiFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.server, "server", "http://localhost:8080", "contentflow server base URL")
	cmd.PersistentFlags().StringVar(&f.tokenEnv, "token-env", "CONTENTFLOW_TOKEN", "environment variable holding the bearer token")
	cmd.PersistentFlags().DurationVar(&f.timeout, "timeout", 30*time.Second, "request timeout")
}

// client returns an API client. The circuit breaker is left at its defaults;
// a CLI invocation issues a single request.
func (f *apiFlags) client() *invoker.Client {
	return invoker.NewClient("contentflow-api", config.ServiceConfig{
		BaseURL:  f.server,
		Timeout:  f.timeout,
		TokenEnv: f.tokenEnv,
	})
}

// call sends one API request and prints the JSON response.
func (f *apiFlags) call(ctx context.Context, out io.Writer, operation, method, path string, body any) error {
	var resp json.RawMessage
	if err := f.client().Do(ctx, operation, method, "/api"+path, body, &resp); err != nil {
		return err
	}
	if len(resp) == 0 {
		return nil
	}
	pretty, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	_, err = fmt.Fprintln(out, string(pretty))
	return err
}

func escape(segments ...string) []any {
	out := make([]any, len(segments))
	for i, s := range segments {
		out[i] = url.PathEscape(s)
	}
	return out
}

// jsonArg parses an optional JSON command-line argument.
func jsonArg(name, raw string) (json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("--%s is not valid JSON", name)
	}
	return json.RawMessage(raw), nil
}
