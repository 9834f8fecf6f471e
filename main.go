// Package main implements a service that watches social profiles, decides which
// new posts deserve a reply and sends those replies within safety and rate limits.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"reply-monitor/config"
	"reply-monitor/pkg/replier"
	"reply-monitor/poll"
	"reply-monitor/server"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "reply-monitor",
		Short:         "Watch social profiles and reply to relevant posts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	reviewCmd := &cobra.Command{
		Use:   "review",
		Short: "Inspect and decide candidates waiting for review",
	}
	reviewCmd.AddCommand(reviewListCmd(), reviewDecideCmd("approve", replier.VerdictApproved), reviewDecideCmd("reject", replier.VerdictRejected))

	root.AddCommand(serveCmd(), runCmd(), reviewCmd)
	return root
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadApp reads the configuration and wires the components. Logs go to w.
func loadApp(ctx context.Context, w io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(w, cfg.LogLevel)
	slog.SetDefault(logger)
	return newApp(ctx, cfg, logger)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline on a schedule and serve the HTTP endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, os.Stdout)
			if err != nil {
				return err
			}
			defer a.Close()

			go schedule(ctx, a.monitor, a.cfg.Run.Interval, a.logger)

			srv := server.New(&server.Config{
				Runner:     a.monitor,
				Summaries:  a.docs,
				Logger:     a.logger,
				AdminToken: a.cfg.Server.AdminToken,
			})
			return srv.ListenAndServe(ctx, a.cfg.Server.Port)
		},
	}
}

// schedule runs the pipeline now and then every interval until ctx is done.
func schedule(ctx context.Context, m *poll.Monitor, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := m.Run(ctx); err != nil {
			if errors.Is(err, poll.ErrRunInProgress) {
				logger.Info("Scheduled run skipped, a run is already in progress")
			} else {
				logger.Error("Scheduled run failed", "error", err)
			}
		}
		logger.Info("Next run scheduled", "at", time.Now().Add(interval).Format(time.RFC3339))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once and print the summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := a.monitor.Run(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sum)
		},
	}
}

func reviewListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending candidates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			pending, err := a.monitor.Pending(cmd.Context())
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending candidates.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPROFILE\tSTATE\tVERDICT\tREPLY")
			for _, c := range pending {
				state := string(c.Gate)
				if c.GateReason != "" {
					state += " (" + c.GateReason + ")"
				}
				verdict := string(c.Verdict)
				if verdict == "" {
					verdict = "-"
				}
				fmt.Fprintf(tw, "%s\t@%s\t%s\t%s\t%s\n", c.ID, c.Handle, state, verdict, oneLine(c.Text, 60))
			}
			return tw.Flush()
		},
	}
}

func reviewDecideCmd(use string, v replier.Verdict) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <candidate-id>",
		Short: "Mark a pending candidate as " + string(v),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := a.monitor.Decide(cmd.Context(), args[0], v)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Candidate %s for @%s %s; it takes effect on the next run.\n", c.ID, c.Handle, v)
			return nil
		},
	}
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
