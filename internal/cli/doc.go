// Package cli реализует команды инструмента courier.
//
// Структура:
//   - connect.go — подключение к брокеру из флагов CLI
//   - output.go  — форматирование вывода (таблица/JSON)
//   - declare.go — объявление обменников, очередей, привязок
//   - publish.go — публикация сообщений
//   - consume.go — потребление: consume, get, purge
//   - rpc.go     — вызов удалённых методов
package cli
