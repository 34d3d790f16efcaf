package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	courier "github.com/shaiso/Courier"
)

// NewDeclareCmd создаёт группу команд объявления топологии.
func NewDeclareCmd(dialFn func() Dialer, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "declare",
		Short: "Declare exchanges, queues and bindings",
	}

	cmd.AddCommand(
		newDeclareExchangeCmd(dialFn, outputFn),
		newDeclareQueueCmd(dialFn, outputFn),
		newDeclareBindCmd(dialFn, outputFn),
	)

	return cmd
}

// parseArgsFlag разбирает флаг --args (JSON) в AMQP-таблицу.
func parseArgsFlag(raw string) (courier.Table, error) {
	if raw == "" {
		return nil, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("parse --args: %w", err)
	}

	table := make(courier.Table, len(args))
	for k, v := range args {
		table[k] = v
	}
	return table, nil
}

func newDeclareExchangeCmd(dialFn func() Dialer, outputFn func() *Output) *cobra.Command {
	var kind string
	var durable, autoDelete, internal bool
	var rawArgs string

	cmd := &cobra.Command{
		Use:   "exchange <name>",
		Short: "Declare an exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			table, err := parseArgsFlag(rawArgs)
			if err != nil {
				return err
			}

			var opts []courier.ExchangeOption
			if durable {
				opts = append(opts, courier.ExchangeDurable())
			}
			if autoDelete {
				opts = append(opts, courier.ExchangeAutoDelete())
			}
			if internal {
				opts = append(opts, courier.ExchangeInternal())
			}
			if table != nil {
				opts = append(opts, courier.ExchangeArgs(table))
			}

			return withChannel(dialFn(), func(ch *courier.Channel) error {
				_, err := ch.DeclareExchange(args[0], courier.ExchangeKind(kind), opts...)
				if err != nil {
					return err
				}
				out.Success(fmt.Sprintf("Exchange %s declared", args[0]))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "direct", "Exchange kind (direct, fanout, topic, headers)")
	cmd.Flags().BoolVar(&durable, "durable", false, "Survive broker restart")
	cmd.Flags().BoolVar(&autoDelete, "auto-delete", false, "Delete when last queue unbinds")
	cmd.Flags().BoolVar(&internal, "internal", false, "Accept publishes only from other exchanges")
	cmd.Flags().StringVar(&rawArgs, "args", "", "Extra declaration arguments as JSON")

	return cmd
}

func newDeclareQueueCmd(dialFn func() Dialer, outputFn func() *Output) *cobra.Command {
	var durable, autoDelete, exclusive bool
	var rawArgs string

	cmd := &cobra.Command{
		Use:   "queue [name]",
		Short: "Declare a queue (empty name for server-named)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			name := ""
			if len(args) > 0 {
				name = args[0]
			}

			table, err := parseArgsFlag(rawArgs)
			if err != nil {
				return err
			}

			var opts []courier.QueueOption
			if durable {
				opts = append(opts, courier.QueueDurable())
			}
			if autoDelete {
				opts = append(opts, courier.QueueAutoDelete())
			}
			if exclusive {
				opts = append(opts, courier.QueueExclusive())
			}
			if table != nil {
				opts = append(opts, courier.QueueArgs(table))
			}

			return withChannel(dialFn(), func(ch *courier.Channel) error {
				queue, err := ch.DeclareQueue(name, opts...)
				if err != nil {
					return err
				}

				out.Print(
					[]string{"NAME", "MESSAGES", "CONSUMERS"},
					[][]string{{
						queue.Name(),
						strconv.Itoa(queue.Messages()),
						strconv.Itoa(queue.Consumers()),
					}},
					map[string]any{
						"name":      queue.Name(),
						"messages":  queue.Messages(),
						"consumers": queue.Consumers(),
					},
				)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&durable, "durable", false, "Survive broker restart")
	cmd.Flags().BoolVar(&autoDelete, "auto-delete", false, "Delete when last consumer disconnects")
	cmd.Flags().BoolVar(&exclusive, "exclusive", false, "Visible only to this connection")
	cmd.Flags().StringVar(&rawArgs, "args", "", "Extra declaration arguments as JSON")

	return cmd
}

func newDeclareBindCmd(dialFn func() Dialer, outputFn func() *Output) *cobra.Command {
	var routingKey string
	var rawArgs string

	cmd := &cobra.Command{
		Use:   "bind <queue> <exchange>",
		Short: "Bind a queue to an exchange",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			table, err := parseArgsFlag(rawArgs)
			if err != nil {
				return err
			}

			return withChannel(dialFn(), func(ch *courier.Channel) error {
				queue, err := ch.DeclareQueue(args[0], courier.QueuePassive())
				if err != nil {
					return err
				}

				var opts []courier.BindOption
				if table != nil {
					opts = append(opts, courier.BindArgs(table))
				}

				if err := queue.Bind(args[1], routingKey, opts...); err != nil {
					return err
				}
				out.Success(fmt.Sprintf("Queue %s bound to %s", args[0], args[1]))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&routingKey, "routing-key", "", "Binding key (defaults to queue name)")
	cmd.Flags().StringVar(&rawArgs, "args", "", "Extra binding arguments as JSON")

	return cmd
}
