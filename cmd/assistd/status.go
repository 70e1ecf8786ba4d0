package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/assistd/internal/config"
	"github.com/tjfontaine/assistd/internal/lifecycle"
)

var (
	statusWait    bool
	statusTimeout time.Duration
	statusDir     string
	statusJSON    bool
	statusNoColor bool
	statusPID     int
	statusSince   string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the server's startup status",
	Long: `Read <lifecycle_dir>/status.json. With --wait, block until the server
reports ready or error. A launcher that has just spawned the server passes
--pid (or --since) so a status.json left by an earlier run is ignored.
Exits 1 when the status is error or missing.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWait, "wait", "w", false, "Wait for ready or error")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 30*time.Second, "How long --wait may block")
	statusCmd.Flags().StringVar(&statusDir, "lifecycle-dir", "", "Directory holding status.json")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw status record")
	statusCmd.Flags().BoolVar(&statusNoColor, "no-color", false, "Disable colour output")
	statusCmd.Flags().IntVar(&statusPID, "pid", 0, "Only accept a status written by this server pid")
	statusCmd.Flags().StringVar(&statusSince, "since", "", "Only accept a status updated at or after this RFC 3339 time")
}

func statusFilter() (lifecycle.StatusFilter, error) {
	f := lifecycle.StatusFilter{PID: statusPID}
	if statusSince != "" {
		since, err := time.Parse(time.RFC3339Nano, statusSince)
		if err != nil {
			return f, fmt.Errorf("invalid --since: %w", err)
		}
		f.Since = since
	}
	return f, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	dir := statusDir
	if dir == "" {
		dir = ".assistd"
		// Resolved the same way serve does, before any file is read.
		if cfg, err := config.LoadEnv(); err == nil && cfg.Server.LifecycleDir != "" {
			dir = cfg.Server.LifecycleDir
		}
	}

	filter, err := statusFilter()
	if err != nil {
		return err
	}

	var st *lifecycle.Status
	if statusWait {
		ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
		defer cancel()
		st, err = lifecycle.Wait(ctx, dir, filter)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("no ready or error status in %s after %s", dir, statusTimeout)
		}
	} else {
		st, err = lifecycle.ReadStatus(dir)
	}
	if err != nil {
		return err
	}
	if !filter.Accepts(st) {
		st = nil
	}
	if st == nil {
		return fmt.Errorf("no status in %s: the server has not started", dir)
	}

	r := newRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), statusNoColor, statusJSON)
	r.Status(st)
	if st.State == lifecycle.StateError {
		return errReported
	}
	return nil
}
