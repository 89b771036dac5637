// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OniSong/Error.EXE/internal/router"
)

// probeResult is the --json output of the probe command.
type probeResult struct {
	router.Availability
	FailureCount int    `json:"failure_count"`
	ElapsedMS    int64  `json:"elapsed_ms"`
	ProbeError   string `json:"probe_error,omitempty"`
}

func (a *app) probeCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Print the current availability snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(a.cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			start := time.Now()
			avail, probeErr := rt.router.Snapshot(cmd.Context())
			res := probeResult{
				Availability: avail,
				FailureCount: rt.router.FailureCount(),
				ElapsedMS:    time.Since(start).Milliseconds(),
			}
			if probeErr != nil {
				res.ProbeError = probeErr.Error()
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}

			fmt.Fprintln(out, TitleStyle.Render("Availability"))
			fmt.Fprintln(out, RenderField("Online", RenderStatus(res.Online)))
			fmt.Fprintln(out, RenderField("API key", RenderStatus(res.HasAPIKey)))
			fmt.Fprintln(out, RenderField("Local model", RenderStatus(res.HasLocalModel)))
			fmt.Fprintln(out, RenderField("Probe time", fmt.Sprintf("%dms", res.ElapsedMS)))
			if res.ProbeError != "" {
				fmt.Fprintln(out, RenderField("Probe error", WarningStyle.Render(res.ProbeError)))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
