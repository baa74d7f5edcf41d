// Package main provides a command line client for the workflow orchestrator.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/xiaot623/agentrun/internal/domain"
)

type options struct {
	server  string
	userID  string
	timeout time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "agentrunctl",
		Short:         "Submit and observe agent workflows",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("AGENTRUN_SERVER", "http://localhost:8080"), "orchestrator base URL")
	root.PersistentFlags().StringVar(&opts.userID, "user", envOr("AGENTRUN_USER", "default_user"), "caller identity sent as X-User-ID")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout for non-streaming commands")

	root.AddCommand(
		newSubmitCmd(opts),
		newGetCmd(opts),
		newListCmd(opts),
		newDeleteCmd(opts),
		newCancelCmd(opts),
		newCogsCmd(opts),
		newHealthCmd(opts),
		newStreamCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

func (o *options) client() *Client {
	return NewClient(o.server, o.userID)
}

func (o *options) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func newSubmitCmd(opts *options) *cobra.Command {
	var (
		req    domain.SubmitRequest
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "submit QUERY",
		Short: "Queue a workflow execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Query = args[0]
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()

			resp, err := opts.client().Submit(ctx, req)
			if err != nil {
				return err
			}
			if !follow {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s queued\n", resp.SessionID)
			return opts.client().Stream(cmd.Context(), resp.SessionID, frameWriter(cmd.OutOrStdout()))
		},
	}
	cmd.Flags().StringVar(&req.WorkflowKind, "kind", "", "workflow kind: execution, maintenance or analysis")
	cmd.Flags().StringVar(&req.CogName, "cog", "", "execution unit name")
	cmd.Flags().StringVar(&req.SessionID, "session-id", "", "client supplied session id")
	cmd.Flags().IntVar(&req.Timeout, "run-timeout", 0, "execution timeout in seconds")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream progress until the session finishes")
	return cmd
}

func newGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get SESSION_ID",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			s, err := opts.client().GetSession(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
}

func newListCmd(opts *options) *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			resp, err := opts.client().ListSessions(ctx, offset, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range resp.Sessions {
				fmt.Fprintf(out, "%s\t%-9s\t%3d%%\t%s\t%s\n",
					s.SessionID, s.Status, s.Progress, s.WorkflowKind, s.CreatedAt.Format(time.RFC3339))
			}
			if resp.HasMore {
				fmt.Fprintf(out, "more sessions available: --offset %d\n", resp.Offset+len(resp.Sessions))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "number of sessions to skip")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (server default when 0)")
	return cmd
}

func newDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete SESSION_ID",
		Short: "Delete a finished session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			if err := opts.client().DeleteSession(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s deleted\n", args[0])
			return nil
		},
	}
}

func newCancelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel SESSION_ID",
		Short: "Cancel a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			resp, err := opts.client().Cancel(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newCogsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cogs",
		Short: "List execution units",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			resp, err := opts.client().Cogs(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			resp, err := opts.client().Health(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newStreamCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stream SESSION_ID",
		Short: "Follow a session over server-sent events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.client().Stream(cmd.Context(), args[0], frameWriter(cmd.OutOrStdout()))
		},
	}
}

func newWatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch SESSION_ID",
		Short: "Follow a session over a websocket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.client().Watch(cmd.Context(), args[0], frameWriter(cmd.OutOrStdout()))
		},
	}
}

// frameWriter prints one line per frame and a summary for the terminal one.
func frameWriter(out io.Writer) func(domain.StreamFrame) error {
	return func(f domain.StreamFrame) error {
		if f.Type == domain.FrameTypeKeepalive {
			return nil
		}
		line := fmt.Sprintf("[%3d%%] %-9s", f.Progress, f.Status)
		if f.CurrentAgent != "" {
			line += " " + f.CurrentAgent
		}
		if f.Message != "" {
			line += ": " + f.Message
		}
		fmt.Fprintln(out, line)
		switch {
		case f.FinalResult != "":
			fmt.Fprintf(out, "result: %s\n", f.FinalResult)
		case f.ErrorMessage != "":
			fmt.Fprintf(out, "error: %s\n", f.ErrorMessage)
		}
		return nil
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
