package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	courier "github.com/shaiso/Courier"
	"github.com/shaiso/Courier/patterns"
)

// NewRPCCmd создаёт группу команд для RPC поверх брокера.
func NewRPCCmd(dialFn func() Dialer, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rpc",
		Short: "RPC over the broker",
	}

	cmd.AddCommand(newRPCCallCmd(dialFn, outputFn))

	return cmd
}

func newRPCCallCmd(dialFn func() Dialer, outputFn func() *Output) *cobra.Command {
	var expiration time.Duration

	cmd := &cobra.Command{
		Use:   "call <method> [payload]",
		Short: "Call a remote method and print the result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			var payload json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				payload = json.RawMessage(args[1])
			}

			return withChannel(dialFn(), func(ch *courier.Channel) error {
				rpc, err := patterns.NewRPC(cmd.Context(), ch, slog.Default())
				if err != nil {
					return err
				}
				defer rpc.Close()

				result, err := rpc.Call(cmd.Context(), args[0], payload,
					patterns.CallExpiration(expiration))
				if err != nil {
					return err
				}

				out.JSON(result)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&expiration, "expiration", 30*time.Second, "Call expiration")

	return cmd
}
