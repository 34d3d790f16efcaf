package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	courier "github.com/shaiso/Courier"
)

// NewPublishCmd создаёт команду публикации сообщения.
func NewPublishCmd(dialFn func() Dialer, outputFn func() *Output) *cobra.Command {
	var (
		exchange    string
		body        string
		bodyFile    string
		contentType string
		persistent  bool
		mandatory   bool
		rawHeaders  string
		expiration  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish <routing-key>",
		Short: "Publish a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			payload := []byte(body)
			if bodyFile != "" {
				data, err := os.ReadFile(bodyFile)
				if err != nil {
					return fmt.Errorf("read body file: %w", err)
				}
				payload = data
			}

			headers, err := parseArgsFlag(rawHeaders)
			if err != nil {
				return err
			}

			mode := courier.Transient
			if persistent {
				mode = courier.Persistent
			}

			msg := &courier.Message{
				Body:         payload,
				Headers:      headers,
				ContentType:  contentType,
				DeliveryMode: mode,
				MessageID:    uuid.NewString(),
				Timestamp:    time.Now(),
				Expiration:   expiration,
			}

			return withChannel(dialFn(), func(ch *courier.Channel) error {
				err := ch.Publish(
					cmd.Context(), exchange, args[0], msg,
					courier.PublishMandatory(mandatory),
				)
				if err != nil {
					return err
				}
				out.Success(fmt.Sprintf("Published to %s/%s (%d bytes)", exchange, args[0], len(payload)))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&exchange, "exchange", "", "Exchange (empty for default exchange)")
	cmd.Flags().StringVar(&body, "body", "", "Message body")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "Read message body from file")
	cmd.Flags().StringVar(&contentType, "content-type", "application/json", "Content type")
	cmd.Flags().BoolVar(&persistent, "persistent", false, "Persistent delivery mode")
	cmd.Flags().BoolVar(&mandatory, "mandatory", true, "Fail when unroutable")
	cmd.Flags().StringVar(&rawHeaders, "headers", "", "Message headers as JSON")
	cmd.Flags().DurationVar(&expiration, "expiration", 0, "Message TTL")

	return cmd
}
