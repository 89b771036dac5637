// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// maxStdinQuery bounds a query piped on stdin.
const maxStdinQuery = 32 * 1024

var errEmptyQuery = errors.New("query must not be empty")

func (a *app) askCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "ask [query...]",
		Short: "Route one query and print the response",
		Long: `Route one query through the cascade and print the response.

With no arguments the query is read from stdin:

  echo "are you there?" | errorexe ask`,
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := readQuery(cmd, args)
			if err != nil {
				return err
			}

			rt, err := newRuntime(a.cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			resp, err := rt.router.RouteSync(ctx, query)
			if err != nil {
				return fmt.Errorf("no response: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), resp)
			return err
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 = no limit)")
	return cmd
}

// readQuery joins args, or reads stdin when there are none.
func readQuery(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		query := strings.Join(args, " ")
		if strings.TrimSpace(query) == "" {
			return "", errEmptyQuery
		}
		return query, nil
	}

	in := cmd.InOrStdin()
	if isTerminal(in) {
		return "", errEmptyQuery
	}
	data, err := io.ReadAll(io.LimitReader(in, maxStdinQuery+1))
	if err != nil {
		return "", fmt.Errorf("failed to read query from stdin: %w", err)
	}
	if len(data) > maxStdinQuery {
		return "", fmt.Errorf("query exceeds %d bytes", maxStdinQuery)
	}
	query := strings.TrimSpace(string(data))
	if query == "" {
		return "", errEmptyQuery
	}
	return query, nil
}
