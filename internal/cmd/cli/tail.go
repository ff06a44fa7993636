package cli

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/streambridge/internal/runtime"
	"github.com/drblury/streambridge/internal/runtime/jsoncodec"
)

type tailedMessage struct {
	Offset        int64  `json:"offset"`
	UUID          string `json:"uuid"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Payload       any    `json:"payload"`
}

func newTailedMessage(msg runtimepkg.Message) tailedMessage {
	out := tailedMessage{
		Offset:        msg.Offset,
		UUID:          msg.UUID,
		CorrelationID: msg.CorrelationID(),
		Payload:       string(msg.Payload),
	}
	if jsoncodec.Valid(msg.Payload) {
		out.Payload = json.RawMessage(msg.Payload)
	}
	return out
}

// newTailCommand constructs the `tail` subcommand.
func newTailCommand() *cobra.Command {
	tailCmd := &cobra.Command{
		Use:   "tail <stream>",
		Short: "Print stream messages as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			dedupKey, _ := cmd.Flags().GetString("dedup-key")
			dedupOrder, _ := cmd.Flags().GetString("dedup-order")
			dedupMaxKeys, _ := cmd.Flags().GetInt("dedup-max-keys")

			offset, err := offsetFlag(cmd)
			if err != nil {
				return err
			}

			svc, err := newService(cmd.Context(), cmd)
			if err != nil {
				return err
			}

			var opts []runtimepkg.SubscriberOption
			if dedupKey != "" {
				dedup := runtimepkg.NewDeduplicator[string, string](runtimepkg.WithMaxKeys(dedupMaxKeys))
				opts = append(opts, runtimepkg.WithDeduplication(dedup, runtimepkg.FieldKey(dedupKey, dedupOrder)))
			}
			sub, err := svc.NewSubscriber(args[0], opts...)
			if err != nil {
				return err
			}

			seen := 0
			err = sub.Start(cmd.Context(), runtimepkg.StartOptions{
				Mode:   runtimepkg.ModeBlocking,
				Offset: offset,
				Handler: func(ctx context.Context, d *runtimepkg.Delivery) error {
					if err := jsoncodec.Encode(cmd.OutOrStdout(), newTailedMessage(d.Message)); err != nil {
						d.Nack()
						return err
					}
					d.Ack()
					seen++
					if limit > 0 && seen >= limit {
						return sub.Stop()
					}
					return nil
				},
			})
			return ignoreCanceled(err)
		},
	}
	tailCmd.Flags().String("offset", "last", "Start position: first|last|<position>")
	tailCmd.Flags().Int("limit", 0, "Stop after N messages (0 = infinite)")
	tailCmd.Flags().String("dedup-key", "", "JSON field identifying an entity, e.g. icao24 (enables deduplication)")
	tailCmd.Flags().String("dedup-order", "time", "JSON field whose unchanged value marks a duplicate")
	tailCmd.Flags().Int("dedup-max-keys", 0, "Forget the least recently updated keys beyond this many (0 = unbounded)")
	return tailCmd
}
