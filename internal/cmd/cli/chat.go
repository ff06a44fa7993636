package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/streambridge/internal/runtime"
)

const chatHelp = `Type a message and press enter. Commands:
  :good   rate the last answer positive
  :bad    rate the last answer negative
  :reset  start a new conversation
  :quit   leave`

// newChatCommand constructs the `chat` subcommand.
func newChatCommand() *cobra.Command {
	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive request/response session over two streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			requests, _ := cmd.Flags().GetString("requests")
			responses, _ := cmd.Flags().GetString("responses")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			svc, err := newService(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			correlator, err := svc.NewCorrelator(cmd.Context(), requests, responses)
			if err != nil {
				return err
			}
			defer correlator.Close()

			return ignoreCanceled(runChat(cmd.Context(), correlator, cmd.InOrStdin(), cmd.OutOrStdout(), timeout))
		},
	}
	chatCmd.Flags().String("requests", "interactions", "Stream carrying prompts and feedback")
	chatCmd.Flags().String("responses", "responses", "Stream carrying answers")
	chatCmd.Flags().Duration("timeout", time.Minute, "How long to wait for an answer")
	return chatCmd
}

func runChat(ctx context.Context, c *runtimepkg.Correlator, in io.Reader, out io.Writer, timeout time.Duration) error {
	_, _ = fmt.Fprintln(out, chatHelp)
	_, _ = fmt.Fprintln(out, "conversation:", c.ConversationID())

	var history []runtimepkg.ChatMessage
	scanner := bufio.NewScanner(in)
	for {
		_, _ = fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case ":quit":
			return nil
		case ":reset":
			history = nil
			_, _ = fmt.Fprintln(out, "conversation:", c.Reset())
			continue
		case ":good", ":bad":
			if err := c.Feedback(ctx, line == ":good"); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(out, "feedback sent")
			continue
		}

		history = append(history, runtimepkg.ChatMessage{Role: "user", Content: line})
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := c.Request(reqCtx, history)
		cancel()
		if err != nil {
			return err
		}
		if len(resp.Messages) == 0 {
			_, _ = fmt.Fprintln(out, "(empty response)")
			continue
		}
		history = resp.Messages
		_, _ = fmt.Fprintln(out, "assistant:", history[len(history)-1].Content)
	}
}
