// Courier CLI — инструмент командной строки для работы с брокером:
// объявление топологии, публикация и чтение сообщений, RPC-вызовы.
//
// Использование:
//
//	courier [--url URL] [--json] <command> [flags]
//
// Команды:
//
//	declare  Объявление exchanges, queues и bindings
//	publish  Публикация сообщения
//	consume  Потоковое чтение очереди
//	get      Разовое получение сообщения
//	purge    Очистка очереди
//	rpc      RPC-вызовы поверх брокера
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	courier "github.com/shaiso/Courier"
	"github.com/shaiso/Courier/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	defaultURL := os.Getenv("AMQP_URL")
	if defaultURL == "" {
		defaultURL = courier.DefaultURL()
	}

	var brokerURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "courier",
		Short:         "Courier CLI — AMQP messaging tool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&brokerURL, "url", defaultURL, "Broker URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	dialFn := func() cli.Dialer { return cli.NewDialer(brokerURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewDeclareCmd(dialFn, outputFn),
		cli.NewPublishCmd(dialFn, outputFn),
		cli.NewConsumeCmd(dialFn, outputFn),
		cli.NewGetCmd(dialFn, outputFn),
		cli.NewPurgeCmd(dialFn, outputFn),
		cli.NewRPCCmd(dialFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
