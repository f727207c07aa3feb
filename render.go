package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"sessionbridge/internal/bridge"
	"sessionbridge/internal/protocol"
	"sessionbridge/internal/stream"
)

var renderThinking bool

var renderCmd = &cobra.Command{
	Use:   "render [FILE]",
	Short: "Print tagged send output as plain text",
	Long: `render reads the tagged lines written by send, from FILE or stdin, and
prints the conversation as plain text. Lines that are not part of the
protocol are ignored. The exit status reflects the turn's RESULT.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		summary, err := renderFrames(in, cmd.OutOrStdout(), renderThinking)
		if err != nil {
			return err
		}
		if summary == nil {
			return fmt.Errorf("stream ended without a RESULT line")
		}
		if !summary.Success && !summary.Interrupted {
			return errTurnFailed
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(renderCmd)
	renderCmd.Flags().BoolVar(&renderThinking, "thinking", false, "Include thinking output")
}

// renderFrames writes the frames read from r to w and returns the turn
// summary, or nil when the stream has no RESULT line.
func renderFrames(r io.Reader, w io.Writer, thinking bool) (*bridge.TurnSummary, error) {
	reader := protocol.NewReader(r)
	var (
		summary *bridge.TurnSummary
		midLine bool
	)
	endLine := func() {
		if midLine {
			fmt.Fprintln(w)
			midLine = false
		}
	}

	for {
		f, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return summary, fmt.Errorf("read output: %w", err)
		}

		switch f.Tag {
		case protocol.TagContentDelta:
			fmt.Fprint(w, f.Text)
			midLine = true
		case protocol.TagThinkingDelta:
			if thinking {
				fmt.Fprint(w, f.Text)
				midLine = true
			}
		case protocol.TagContent:
			endLine()
			fmt.Fprintln(w, f.Text)
		case protocol.TagThinking:
			if thinking {
				endLine()
				fmt.Fprintln(w, f.Text)
			}
		case protocol.TagMessageEnd:
			endLine()
		case protocol.TagSessionID:
			endLine()
			fmt.Fprintf(w, "session %s\n", f.Text)
		case protocol.TagStatus:
			endLine()
			fmt.Fprintf(w, "* %s\n", f.Text)
		case protocol.TagToolUse:
			var inv stream.ToolInvocation
			if f.Decode(&inv) != nil {
				continue
			}
			endLine()
			fmt.Fprintf(w, "> %s %s\n", inv.Name, summarizeInput(inv.Input))
		case protocol.TagToolResult:
			var inv stream.ToolInvocation
			if f.Decode(&inv) != nil || !inv.IsError {
				continue
			}
			endLine()
			fmt.Fprintf(w, "! tool failed: %s\n", firstLine(inv.Output))
		case protocol.TagSendError:
			var p bridge.FailurePayload
			if f.Decode(&p) != nil {
				continue
			}
			endLine()
			fmt.Fprintf(w, "error: %s\n", p.Message)
		case protocol.TagResult:
			var s bridge.TurnSummary
			if err := f.Decode(&s); err != nil {
				slog.Debug("skipping unreadable result", "error", err)
				continue
			}
			summary = &s
		}
	}
	endLine()
	if n := reader.Skipped(); n > 0 {
		slog.Debug("skipped malformed lines", "count", n)
	}
	return summary, nil
}
