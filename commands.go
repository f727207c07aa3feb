package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sessionbridge/internal/bridge"
	"sessionbridge/internal/config"
	"sessionbridge/internal/database"
	"sessionbridge/internal/protocol"
)

var errTurnFailed = errors.New("turn failed")

var (
	sendSession  string
	sendDir      string
	sendProvider string
	sendModel    string
	sendMode     string
	sendStream   bool
	sendYes      bool

	rewindDir string

	historyLimit int
	historyJSON  bool
)

var sendCmd = &cobra.Command{
	Use:   "send [prompt]",
	Short: "Send a prompt and stream the tagged output to stdout",
	Long: `send runs one turn. The prompt is read from the arguments, or from stdin
when none are given or the only argument is "-". Output lines have the form
[TAG] payload and always end with RESULT.`,
	RunE: runSend,
}

var rewindCmd = &cobra.Command{
	Use:   "rewind SESSION_ID MESSAGE_ID",
	Short: "Restore files to the state before a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			result, err := app.Rewind(ctx, bridge.RewindRequest{
				SessionID:        args[0],
				MessageID:        args[1],
				WorkingDirectory: rewindDir,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		})
	},
}

var clearCheckpointsCmd = &cobra.Command{
	Use:   "clear-checkpoints SESSION_ID",
	Short: "Delete the file checkpoints recorded for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			return app.ClearCheckpoints(args[0])
		})
	},
}

var historyCmd = &cobra.Command{
	Use:     "history [SESSION_ID]",
	Aliases: []string{"sessions"},
	Short:   "Show recent turns",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := ""
		if len(args) == 1 {
			sessionID = args[0]
		}
		return withApp(func(app *App) error {
			runs, err := app.TurnHistory(sessionID, historyLimit)
			if err != nil {
				return err
			}
			if historyJSON {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			printHistory(cmd.OutOrStdout(), runs)
			return nil
		})
	},
}

var commandsCmd = &cobra.Command{
	Use:   "commands SESSION_ID",
	Short: "List the slash commands of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			commands, err := app.SupportedCommands(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, c := range commands {
				fmt.Fprintf(w, "/%s\t%s\t%s\n", c.Name, c.Scope, c.Description)
			}
			return w.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(sendCmd, rewindCmd, clearCheckpointsCmd, historyCmd, commandsCmd)

	sendCmd.Flags().StringVarP(&sendSession, "session", "s", "", "Resume this session")
	sendCmd.Flags().StringVarP(&sendDir, "dir", "C", "", "Working directory (default: current directory)")
	sendCmd.Flags().StringVarP(&sendProvider, "provider", "p", "", "Provider: claude, codex or claude-api (default from config)")
	sendCmd.Flags().StringVarP(&sendModel, "model", "m", "", "Model override")
	sendCmd.Flags().StringVar(&sendMode, "mode", "", "Permission mode: default, plan, acceptEdits or bypassPermissions")
	sendCmd.Flags().BoolVar(&sendStream, "stream", true, "Stream partial output")
	sendCmd.Flags().BoolVarP(&sendYes, "yes", "y", false, "Approve every tool without asking")

	rewindCmd.Flags().StringVarP(&rewindDir, "dir", "C", "", "Working directory of the session")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of turns to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output as JSON")
}

func runSend(cmd *cobra.Command, args []string) error {
	input, fromStdin, err := readPrompt(args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	dir := sendDir
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return err
		}
	}

	return withApp(func(app *App) error {
		// A prompt read from stdin leaves nothing to answer questions with.
		var prompter *terminalPrompter
		if fromStdin {
			prompter = newTerminalPrompter(strings.NewReader(""), cmd.ErrOrStderr(), sendYes)
		} else {
			prompter = newTerminalPrompter(cmd.InOrStdin(), cmd.ErrOrStderr(), sendYes)
		}

		req := bridge.TurnRequest{
			Input:            input,
			SessionID:        sendSession,
			WorkingDirectory: dir,
			Provider:         sendProvider,
			Model:            sendModel,
			PermissionMode:   sendMode,
			Collaborators: &bridge.Collaborators{
				Approver:     prompter,
				Responder:    prompter,
				PlanReviewer: prompter,
			},
		}
		if cmd.Flags().Changed("stream") {
			streaming := sendStream
			req.Streaming = &streaming
		}
		if req.Model == "" {
			req.Model = app.defaultModel(req.Provider)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		summary, err := app.service.SendTurn(ctx, req, protocol.NewWriter(cmd.OutOrStdout()))
		if err != nil {
			return err
		}
		if !summary.Success && !summary.Interrupted {
			return errTurnFailed
		}
		return nil
	})
}

// readPrompt returns the prompt and whether it was read from in.
func readPrompt(args []string, in io.Reader) (string, bool, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), false, nil
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", true, fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", true, errors.New("empty prompt")
	}
	return prompt, true, nil
}

// withApp runs fn against an App built from the user's config.
func withApp(fn func(app *App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	app, err := NewApp(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if err := app.close(); err != nil {
			slog.Warn("shutdown finished with errors", "error", err)
		}
	}()
	return fn(app)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printHistory(w io.Writer, runs []*database.TurnRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No turns recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSESSION\tPROVIDER\tSTATUS\tATTEMPTS\tSTARTED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.SessionID, r.Provider, r.Status, r.Attempts,
			r.CreatedAt.Local().Format(time.DateTime), firstLine(r.Error))
	}
	tw.Flush()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
