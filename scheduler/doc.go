// Package scheduler публикует сообщения по расписанию.
//
// Структура:
//   - cron.go      — разбор cron-выражений и вычисление следующего запуска
//   - scheduler.go — цикл публикации due-записей
//
// Каждая запись (Entry) описывает cron-выражение, timezone и сообщение:
// обменник, ключ маршрутизации, тело. В момент срабатывания сообщение
// публикуется в брокер, после чего вычисляется следующий запуск.
package scheduler
