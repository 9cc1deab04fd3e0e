// Package main is the entry point for the pap binary.
// It provides a CLI for submitting and tracking pipeline runs, either
// against a pap-server or executed locally in-process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/papforge/pap/pkg/api"
	"github.com/papforge/pap/pkg/artifact"
	"github.com/papforge/pap/pkg/client"
	"github.com/papforge/pap/pkg/config"
	"github.com/papforge/pap/pkg/logging"
	"github.com/papforge/pap/pkg/run"
)

// Exit codes reported to the shell.
const (
	exitOK         = 0
	exitRunFailed  = 1
	exitValidation = 2
	exitCancelled  = 3
)

const defaultServer = "http://localhost:8080"

// exitError carries a shell exit code through cobra's error path.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		code := exitRunFailed
		var xerr *exitError
		if errors.As(err, &xerr) {
			code = xerr.code
			if xerr.msg != "" {
				fmt.Fprintf(os.Stderr, "Error: %s\n", xerr.msg)
			}
		} else {
			var apiErr *api.Error
			if errors.As(err, &apiErr) && apiErr.Code == api.CodeValidationFailed {
				code = exitValidation
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(code)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "pap",
		Short:         "Pipeline analysis platform client",
		Long:          "Submit binary-analysis pipelines, follow their status events, and fetch their artifacts.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("server", "s", defaultServer, "PAP server base URL")

	rootCmd.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newEventsCmd(),
		newCancelCmd(),
		newDeleteCmd(),
		newFetchCmd(),
		newLogCmd(),
		newRunLocalCmd(),
	)
	return rootCmd
}

func newClient(cmd *cobra.Command) *client.Client {
	base, _ := cmd.Flags().GetString("server")
	return client.New(base)
}

// signalContext cancels on SIGINT/SIGTERM so streams and polls unwind.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <spec.yaml>",
		Short: "Submit a pipeline for execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			sub, err := config.LoadSubmitContext(args[0])
			if err != nil {
				return &exitError{code: exitValidation, msg: err.Error()}
			}

			c := newClient(cmd)
			handle, err := c.Submit(ctx, sub)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), handle)

			wait, _ := cmd.Flags().GetBool("wait")
			if !wait {
				return nil
			}
			snap, err := c.Wait(ctx, handle, 0)
			if err != nil {
				return err
			}
			printSnapshot(cmd, snap)
			return phaseExit(snap.Phase)
		},
	}
	cmd.Flags().Bool("wait", false, "Block until the run is terminal")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <handle>",
		Short: "Show the current snapshot of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			snap, err := newClient(cmd).Status(ctx, api.RunHandle(args[0]))
			if err != nil {
				return err
			}
			printSnapshot(cmd, snap)
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			snaps, err := newClient(cmd).List(ctx)
			if err != nil {
				return err
			}
			for _, snap := range snaps {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
					snap.Handle, snap.Pipeline, snap.Phase, snap.SubmittedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <handle>",
		Short: "Stream status events of a run until it terminates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			after, _ := cmd.Flags().GetUint64("after")
			return newClient(cmd).Events(ctx, api.RunHandle(args[0]), after, func(ev api.StatusEvent) error {
				return printEvent(cmd, ev)
			})
		},
	}
	cmd.Flags().Uint64("after", 0, "Resume the stream after this sequence number")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <handle>",
		Short: "Request cooperative termination of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return newClient(cmd).Cancel(ctx, api.RunHandle(args[0]))
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <handle>",
		Short: "Archive a terminal run and destroy its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return newClient(cmd).Delete(ctx, api.RunHandle(args[0]))
		},
	}
}

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <handle> <artifact>",
		Short: "Fetch an artifact by hash or name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			data, err := newClient(cmd).Artifact(ctx, api.RunHandle(args[0]), args[1])
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("output")
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o600)
		},
	}
	cmd.Flags().StringP("output", "o", "", "Write the artifact to a file instead of stdout")
	return cmd
}

func newLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <handle> <job> <step>",
		Short: "Fetch the captured execution log of a step",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			data, err := newClient(cmd).StepLog(ctx, api.RunHandle(args[0]), args[1], args[2])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// newRunLocalCmd executes a pipeline in-process without a server: an
// in-memory artifact store, the default executors, and a temporary scratch
// directory that is destroyed when the run finishes.
func newRunLocalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <spec.yaml>",
		Short: "Execute a pipeline locally without a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			logLevel, _ := cmd.Flags().GetString("log-level")
			logger := logging.NewLogger(logging.Config{Level: logLevel, Pretty: true})
			slog.SetDefault(logger)

			sub, err := config.LoadSubmitContext(args[0])
			if err != nil {
				return &exitError{code: exitValidation, msg: err.Error()}
			}

			scratch, err := os.MkdirTemp("", "pap-run-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(scratch)

			runs := run.NewRegistry(run.Options{
				Store:       artifact.NewMemoryStore(),
				Logger:      logger,
				ScratchRoot: scratch,
			})

			handle, err := runs.Submit(ctx, sub)
			if err != nil {
				var verr *api.ValidationError
				if errors.As(err, &verr) {
					return &exitError{code: exitValidation, msg: verr.Error()}
				}
				return err
			}

			go func() {
				<-ctx.Done()
				_ = runs.Cancel(handle)
			}()

			var after uint64
			for {
				stream, err := runs.Events(handle, after)
				if err != nil {
					return err
				}
				for ev := range stream.C {
					after = ev.Seq
					if err := printEvent(cmd, ev); err != nil {
						stream.Cancel()
						return err
					}
				}
				if !stream.Lagged() {
					break
				}
			}

			snap, err := runs.Get(handle)
			if err != nil {
				return err
			}
			printSnapshot(cmd, snap)
			return phaseExit(snap.Phase)
		},
	}
	cmd.Flags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	return cmd
}

// phaseExit maps a terminal run phase to a shell exit code.
func phaseExit(phase api.RunPhase) error {
	switch phase {
	case api.PhaseCompleted:
		return nil
	case api.PhaseCancelled:
		return &exitError{code: exitCancelled}
	default:
		return &exitError{code: exitRunFailed}
	}
}

func printSnapshot(cmd *cobra.Command, snap api.RunSnapshot) {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	_ = enc.Encode(snap)
}

func printEvent(cmd *cobra.Command, ev api.StatusEvent) error {
	line := fmt.Sprintf("%s  %-14s", ev.Time.Format("15:04:05.000"), ev.Type)
	if ev.Job != "" {
		line += " " + ev.Job
		if ev.Step != "" {
			line += "/" + ev.Step
		}
	}
	if ev.State != "" {
		line += " state=" + string(ev.State)
	}
	if ev.Phase != "" {
		line += " phase=" + string(ev.Phase)
	}
	if ev.Message != "" {
		line += " " + ev.Message
	}
	if ev.Progress != nil {
		line += fmt.Sprintf(" iters=%d edges=%d corpus=%d crashes=%d",
			ev.Progress.Iterations, ev.Progress.CoveredEdges, ev.Progress.CorpusSize, ev.Progress.UniqueCrashes)
	}
	if ev.Crash != nil {
		line += fmt.Sprintf(" signature=%s pc=%#x", ev.Crash.Signature, ev.Crash.PC)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), line)
	return err
}
