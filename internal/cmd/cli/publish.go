package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/streambridge/internal/runtime"
	"github.com/drblury/streambridge/internal/runtime/jsoncodec"
)

// newPublishCommand constructs the `publish` subcommand.
func newPublishCommand() *cobra.Command {
	publishCmd := &cobra.Command{
		Use:   "publish <stream> [json]",
		Short: "Publish JSON documents to a stream",
		Long:  "Publish one JSON document given as argument, or one document per line read from stdin when the argument is omitted or \"-\".",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			attempts, _ := cmd.Flags().GetInt("attempts")
			correlationID, _ := cmd.Flags().GetString("correlation-id")

			svc, err := newService(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			pub, err := svc.NewPublisher(args[0])
			if err != nil {
				return err
			}
			defer pub.Close()

			var opts []runtimepkg.PublishOption
			if attempts > 0 {
				opts = append(opts, runtimepkg.WithMaxAttempts(attempts))
			}
			if correlationID != "" {
				opts = append(opts, runtimepkg.WithCorrelationID(correlationID))
			}

			publish := func(doc string) error {
				if !jsoncodec.Valid([]byte(doc)) {
					return fmt.Errorf("not a JSON document: %q", doc)
				}
				return pub.Publish(cmd.Context(), []byte(doc), opts...)
			}

			if len(args) == 2 && args[1] != "-" {
				if err := publish(args[1]); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "published: 1")
				return nil
			}

			count := 0
			scanner := bufio.NewScanner(cmd.InOrStdin())
			scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if err := publish(line); err != nil {
					return fmt.Errorf("line %d: %w", count+1, err)
				}
				count++
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "published:", count)
			return nil
		},
	}
	publishCmd.Flags().Int("attempts", 0, "Attempt budget per message (0 = config default)")
	publishCmd.Flags().String("correlation-id", "", "correlation_id metadata value")
	return publishCmd
}
