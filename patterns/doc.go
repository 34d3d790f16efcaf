// Package patterns содержит высокоуровневые паттерны обмена сообщениями
// поверх courier.
//
// Структура:
//   - rpc.go — Remote Procedure Call: вызов удалённых методов с ожиданием
//     результата через reply-очередь и correlation id
//
// Протокол RPC:
//   - вызов публикуется в default exchange с routing key = имя метода,
//     reply_to = result-очередь вызывающего, type = "call"
//   - ответ приходит в result-очередь с тем же correlation id,
//     type = "result" или "error"
//   - просроченные вызовы возвращаются через headers DLX "rpc.dlx"
//     с type = "call" и превращаются в ошибку таймаута
package patterns
