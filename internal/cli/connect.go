package cli

import (
	"fmt"

	courier "github.com/shaiso/Courier"
)

// Dialer открывает соединение с брокером из параметров CLI.
type Dialer func() (*courier.Connection, error)

// NewDialer создаёт Dialer для заданного URL.
// CLI-команды короткоживущие, reconnect им не нужен.
func NewDialer(url string) Dialer {
	return func() (*courier.Connection, error) {
		conn, err := courier.Dial(url, courier.WithName("courier-cli"))
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", url, err)
		}
		return conn, nil
	}
}

// withChannel открывает соединение и канал, выполняет fn и всё закрывает.
func withChannel(dial Dialer, fn func(ch *courier.Channel) error) error {
	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	return fn(ch)
}
