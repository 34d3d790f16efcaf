// Package courier — надёжный клиент RabbitMQ поверх amqp091-go.
//
// Структура:
//   - connection.go — соединение с автоматическим reconnect и восстановлением
//   - channel.go    — канал: publisher confirms, QoS, учёт топологии
//   - exchange.go   — обменники: declare, bind, publish
//   - queue.go      — очереди: declare, bind, consume, get, iterator
//   - message.go    — исходящие и входящие сообщения
//   - pool.go       — пул соединений/каналов
//
// Два режима подключения:
//   - Dial       — одноразовое соединение, разрыв фатален
//   - DialRobust — reconnect с экспоненциальной задержкой; после
//     переподключения каналы переоткрываются, а объявленные обменники,
//     очереди, привязки и consumers восстанавливаются в исходном порядке
//
// Минимальный пример:
//
//	conn, err := courier.DialRobust(courier.DefaultURL(), courier.WithName("worker"))
//	if err != nil { ... }
//	defer conn.Close()
//
//	ch, err := conn.Channel()
//	queue, err := ch.DeclareQueue("jobs", courier.QueueDurable())
//	tag, err := queue.Consume(ctx, func(ctx context.Context, msg *courier.IncomingMessage) error {
//		return msg.Process(func() error {
//			return handle(msg.Body)
//		})
//	})
package courier
