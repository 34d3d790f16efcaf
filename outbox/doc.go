// Package outbox реализует transactional outbox поверх PostgreSQL.
//
// Сообщения пишутся в таблицу courier_outbox в той же транзакции,
// что и доменные изменения. Relay забирает неотправленные строки
// батчами (FOR UPDATE SKIP LOCKED), публикует их в брокер с
// подтверждением и помечает отправленными.
//
// Структура:
//   - store.go — схема таблицы, запись и выборка сообщений
//   - relay.go — цикл доставки outbox → RabbitMQ
package outbox
