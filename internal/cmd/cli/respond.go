package cli

import (
	"context"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/streambridge/internal/runtime"
	loggingpkg "github.com/drblury/streambridge/internal/runtime/logging"
)

// newRespondCommand constructs the `respond` subcommand.
func newRespondCommand() *cobra.Command {
	respondCmd := &cobra.Command{
		Use:   "respond",
		Short: "Answer chat requests with an echo of the last message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			requests, _ := cmd.Flags().GetString("requests")
			responses, _ := cmd.Flags().GetString("responses")

			offset, err := offsetFlag(cmd)
			if err != nil {
				return err
			}

			svc, err := newService(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			logger := svc.Logger
			responder, err := svc.NewResponder(requests, responses, runtimepkg.EchoResponse,
				runtimepkg.WithFeedbackHandler(func(ctx context.Context, fb runtimepkg.FeedbackEvent) error {
					logger.Info("Feedback received", loggingpkg.LogFields{
						"conversation_id": fb.ConversationID,
						"rating":          fb.Rating,
					})
					return nil
				}),
			)
			if err != nil {
				return err
			}

			logger.Info("Responding", loggingpkg.LogFields{"requests": requests, "responses": responses})
			return ignoreCanceled(responder.Run(cmd.Context(), offset))
		},
	}
	respondCmd.Flags().String("requests", "interactions", "Stream carrying prompts and feedback")
	respondCmd.Flags().String("responses", "responses", "Stream carrying answers")
	respondCmd.Flags().String("offset", "last", "Start position: first|last|<position>")
	return respondCmd
}
