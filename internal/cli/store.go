// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/OniSong/Error.EXE/internal/cloud"
	"github.com/OniSong/Error.EXE/internal/registry"
)

func (a *app) storeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Manage the stored API key, model and avatar",
	}
	cmd.AddCommand(
		a.storeStatusCmd(),
		a.storeSetKeyCmd(),
		a.storeClearKeyCmd(),
		a.storeImportCmd("import-model", registry.KindModel, "Import a GGUF model file for local inference"),
		a.storeImportCmd("import-avatar", registry.KindAvatar, "Import a VRM avatar file"),
		a.storeRemoveCmd(),
	)
	return cmd
}

// withRegistry opens the registry for the duration of fn.
func (a *app) withRegistry(fn func(*registry.Registry) error) error {
	reg, err := registry.Open(a.cfg.Store.DataDir)
	if err != nil {
		return err
	}
	defer reg.Close()
	return fn(reg)
}

func (a *app) storeStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show what is stored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRegistry(func(reg *registry.Registry) error {
				ctx := cmd.Context()
				st := reg.Status(ctx)
				out := cmd.OutOrStdout()

				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(st)
				}

				fmt.Fprintln(out, TitleStyle.Render("Store"))
				fmt.Fprintln(out, RenderField("Data dir", st.DataDir))
				fmt.Fprintln(out, RenderField("API key", apiKeySummary(reg, cmd)))
				fmt.Fprintln(out, RenderField("Model", fileSummary(st.ModelPath, st.HasModel)))
				if st.ModelName != "" {
					fmt.Fprintln(out, RenderField("Model name", st.ModelName))
				}
				fmt.Fprintln(out, RenderField("Avatar", fileSummary(st.AvatarPath, st.HasAvatar)))
				fmt.Fprintln(out, RenderField("Complete", RenderStatus(st.Complete())))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func apiKeySummary(reg *registry.Registry, cmd *cobra.Command) string {
	key, ok := reg.APIKey(cmd.Context())
	if !ok {
		return RenderStatus(false)
	}
	return RenderStatus(true) + DimStyle.Render(" "+cloud.MaskKey(key))
}

func fileSummary(path string, ok bool) string {
	if !ok {
		return RenderStatus(false)
	}
	info, err := os.Stat(path)
	if err != nil {
		return path
	}
	return path + DimStyle.Render(" ("+humanize.IBytes(uint64(info.Size()))+")")
}

func (a *app) storeSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key [key]",
		Short: "Store the remote API key",
		Long: `Store the remote API key. Without an argument the key is read from the
terminal with echo disabled, or from stdin when it is piped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				var err error
				if key, err = readSecret(cmd); err != nil {
					return err
				}
			}

			return a.withRegistry(func(reg *registry.Registry) error {
				if err := reg.SetAPIKey(cmd.Context(), key); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("API key stored")+" "+DimStyle.Render(cloud.MaskKey(strings.TrimSpace(key))))
				return nil
			})
		},
	}
}

// readSecret reads one line without echo from a terminal, or from piped stdin.
func readSecret(cmd *cobra.Command) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "API key: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("failed to read key: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read key: %w", err)
	}
	return line, nil
}

func (a *app) storeClearKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-key",
		Short: "Remove the stored API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRegistry(func(reg *registry.Registry) error {
				if err := reg.ClearAPIKey(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("API key cleared"))
				return nil
			})
		},
	}
}

func (a *app) storeImportCmd(use string, kind registry.FileKind, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <path>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(func(reg *registry.Registry) error {
				dst, err := reg.ImportFile(cmd.Context(), kind, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", SuccessStyle.Render(kind.String()+" imported:"), fileSummary(dst, true))
				return nil
			})
		},
	}
}

func (a *app) storeRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <model|avatar>",
		Short: "Delete a stored model or avatar file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := registry.ParseKind(args[0])
			if err != nil {
				return err
			}
			return a.withRegistry(func(reg *registry.Registry) error {
				if err := reg.RemoveFile(cmd.Context(), kind); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render(kind.String()+" removed"))
				return nil
			})
		},
	}
}
