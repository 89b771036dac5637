// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/OniSong/Error.EXE/internal/offline"
	"github.com/OniSong/Error.EXE/internal/util"
)

const (
	chatPrompt      = "you> "
	historyFileName = "chat_history"
)

// prompter reads one line of input. *liner.State satisfies it.
type prompter interface {
	Prompt(prompt string) (string, error)
}

// =============================================================================
// INPUT
// =============================================================================

// lineEditor wraps liner with persistent history.
type lineEditor struct {
	state       *liner.State
	historyFile string
}

func newLineEditor(dataDir string) *lineEditor {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)

	e := &lineEditor{state: state, historyFile: filepath.Join(dataDir, historyFileName)}
	if f, err := os.Open(e.historyFile); err == nil {
		if _, err := state.ReadHistory(f); err != nil {
			log.Debug().Err(err).Msg("failed to read chat history")
		}
		f.Close()
	}
	return e
}

func (e *lineEditor) Prompt(prompt string) (string, error) {
	input, err := e.state.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		e.state.AppendHistory(input)
	}
	return input, nil
}

// Close writes history with owner-only permissions and restores the terminal.
func (e *lineEditor) Close() {
	if f, err := os.OpenFile(e.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
		if _, err := e.state.WriteHistory(f); err != nil {
			log.Debug().Err(err).Msg("failed to write chat history")
		}
		f.Close()
	}
	e.state.Close()
}

// scriptedInput reads lines from a non-terminal reader.
type scriptedInput struct {
	scanner *bufio.Scanner
}

func newScriptedInput(r io.Reader) *scriptedInput {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxStdinQuery)
	return &scriptedInput{scanner: s}
}

func (s *scriptedInput) Prompt(string) (string, error) {
	if s.scanner.Scan() {
		return s.scanner.Text(), nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// =============================================================================
// COMMAND
// =============================================================================

func (a *app) chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session",
		Long: `Start an interactive session. Every line is routed through the cascade.

Commands:
  /status   show availability and failure state
  /reset    clear the failure counter and retry ledger
  /help     show this list
  /quit     leave (also Ctrl+C or Ctrl+D)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(a.cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			var in prompter
			if isTerminal(cmd.InOrStdin()) {
				editor := newLineEditor(a.cfg.Store.DataDir)
				defer editor.Close()
				in = editor
			} else {
				in = newScriptedInput(cmd.InOrStdin())
			}

			s := &chatSession{rt: rt, in: in, out: cmd.OutOrStdout()}
			return s.run(cmd.Context())
		},
	}
}

// =============================================================================
// SESSION
// =============================================================================

type chatSession struct {
	rt  *runtime
	in  prompter
	out io.Writer

	turns int
}

func (s *chatSession) run(ctx context.Context) error {
	s.printBanner()

	for {
		if ctx.Err() != nil {
			return nil
		}

		input, err := s.in.Prompt(PromptStyle.Render(chatPrompt))
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out)
				s.printSummary()
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if !s.handleCommand(ctx, input) {
				s.printSummary()
				return nil
			}
			continue
		}

		resp, err := s.rt.router.RouteSync(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(s.out, ErrorStyle.Render("[no response]"), err)
			continue
		}
		s.turns++
		fmt.Fprintln(s.out, ResponseStyle.Render(resp))
	}
}

// handleCommand runs a slash command and reports whether to keep going.
func (s *chatSession) handleCommand(ctx context.Context, input string) bool {
	name, _, _ := strings.Cut(input, " ")
	switch strings.ToLower(name) {
	case "/quit", "/exit", "/q":
		return false
	case "/reset":
		s.rt.router.ClearFailureState()
		fmt.Fprintln(s.out, SuccessStyle.Render("Failure state cleared."))
	case "/status":
		s.printStatus(ctx)
	case "/help", "/?":
		fmt.Fprintln(s.out, DimStyle.Render("/status  /reset  /help  /quit"))
	default:
		fmt.Fprintln(s.out, WarningStyle.Render("Unknown command "+name+". Try /help."))
	}
	return true
}

func (s *chatSession) printBanner() {
	title := TitleStyle.Render("Error.EXE")
	if offline.IsOfflineMode() {
		title += " " + WarningStyle.Render(offline.StatusBadge())
	}
	fmt.Fprintln(s.out, title)
	fmt.Fprintln(s.out, DimStyle.Render("Type /help for commands, /quit to leave."))
}

func (s *chatSession) printStatus(ctx context.Context) {
	avail, probeErr := s.rt.router.Snapshot(ctx)
	width := terminalWidth(s.out, 80)

	fmt.Fprintln(s.out, RenderSeparator(min(width, 48)))
	fmt.Fprintln(s.out, RenderField("Online", RenderStatus(avail.Online)))
	fmt.Fprintln(s.out, RenderField("API key", RenderStatus(avail.HasAPIKey)))
	fmt.Fprintln(s.out, RenderField("Local model", RenderStatus(avail.HasLocalModel)))
	if path, ok := s.rt.registry.LocalModelPath(ctx); ok {
		fmt.Fprintln(s.out, RenderField("Model file", util.TruncateWidth(path, max(width-16, 20))))
	}
	fmt.Fprintln(s.out, RenderField("Failures", fmt.Sprint(s.rt.router.FailureCount())))
	fmt.Fprintln(s.out, RenderField("Providers", describeProviders(s.rt.cfg)))
	if probeErr != nil {
		fmt.Fprintln(s.out, RenderField("Probe error", WarningStyle.Render(probeErr.Error())))
	}
	fmt.Fprintln(s.out, RenderSeparator(min(width, 48)))
}

func (s *chatSession) printSummary() {
	snap := s.rt.recorder.Stats().Snapshot()
	fmt.Fprintf(s.out, "%s %d turns, %d routed\n",
		DimStyle.Render("Session:"), s.turns, snap.TotalRoutes)
}
