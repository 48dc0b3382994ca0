// Package worker выполняет шаги каскада.
//
// Runner проводит задание через MarkRunning, исполнителя и финальный
// отчёт. Исполнители выбираются по ключу шага в Registry; CommandExecutor
// запускает внешний скрипт и разбирает его JSON-вывод.
//
// Задания доставляются двумя способами:
//   - LocalInvoker — горутина в процессе API
//   - QueueInvoker + Worker — очередь steps.ready и процесс cascade-worker
package worker
