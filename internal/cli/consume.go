package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	courier "github.com/shaiso/Courier"
)

// NewConsumeCmd создаёт команду потоковой обработки очереди.
func NewConsumeCmd(dialFn func() Dialer, outputFn func() *Output) *cobra.Command {
	var (
		prefetch int
		noAck    bool
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "consume <queue>",
		Short: "Consume messages until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			return withChannel(dialFn(), func(ch *courier.Channel) error {
				if err := ch.SetQoS(prefetch, 0, false); err != nil {
					return err
				}

				queue, err := ch.DeclareQueue(args[0], courier.QueuePassive())
				if err != nil {
					return err
				}

				var consumeOpts []courier.ConsumeOption
				if noAck {
					consumeOpts = append(consumeOpts, courier.ConsumeNoAck())
				}

				it, err := queue.Iterator(cmd.Context(), consumeOpts...)
				if err != nil {
					return err
				}
				defer it.Close()

				for received := 0; limit == 0 || received < limit; received++ {
					msg, err := it.Next(cmd.Context())
					if err != nil {
						if errors.Is(err, context.Canceled) {
							return nil
						}
						return err
					}

					out.Message(msg)
					if !noAck {
						if err := msg.Ack(); err != nil {
							return err
						}
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&prefetch, "prefetch", 10, "Prefetch count")
	cmd.Flags().BoolVar(&noAck, "no-ack", false, "Do not acknowledge messages")
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after N messages (0 = unlimited)")

	return cmd
}

// NewGetCmd создаёт команду разового получения сообщения.
func NewGetCmd(dialFn func() Dialer, outputFn func() *Output) *cobra.Command {
	var requeue bool

	cmd := &cobra.Command{
		Use:   "get <queue>",
		Short: "Get a single message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			return withChannel(dialFn(), func(ch *courier.Channel) error {
				queue, err := ch.DeclareQueue(args[0], courier.QueuePassive())
				if err != nil {
					return err
				}

				msg, err := queue.Get(false)
				if errors.Is(err, courier.ErrQueueEmpty) {
					out.Success("Queue is empty")
					return nil
				}
				if err != nil {
					return err
				}

				out.Message(msg)

				if requeue {
					return msg.Reject(true)
				}
				return msg.Ack()
			})
		},
	}

	cmd.Flags().BoolVar(&requeue, "requeue", false, "Return the message to the queue")

	return cmd
}

// NewPurgeCmd создаёт команду очистки очереди.
func NewPurgeCmd(dialFn func() Dialer, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge <queue>",
		Short: "Remove all messages from a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			return withChannel(dialFn(), func(ch *courier.Channel) error {
				queue, err := ch.DeclareQueue(args[0], courier.QueuePassive())
				if err != nil {
					return err
				}

				purged, err := queue.Purge()
				if err != nil {
					return err
				}

				out.Print(
					[]string{"QUEUE", "PURGED"},
					[][]string{{args[0], strconv.Itoa(purged)}},
					map[string]any{"queue": args[0], "purged": purged},
				)
				out.Success(fmt.Sprintf("Purged %d messages", purged))
				return nil
			})
		},
	}

	return cmd
}
