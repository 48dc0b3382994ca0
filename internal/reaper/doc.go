// Package reaper завершает зависшие запуски по жёсткому таймауту.
//
// Воркер, упавший посреди шага, не пришлёт финальный статус, и тенант
// останется в running навсегда. Reaper по cron-расписанию находит
// активные запуски старше таймаута шага и переводит их в error через
// Controller.TimedOut. Повторно шаги не запускаются.
//
// Структура:
//   - reaper.go   — Sweep и цикл Run
//   - schedule.go — разбор cron-выражений
//   - leader.go   — выбор лидера через pg_try_advisory_lock
//
// Использование:
//
//	r := reaper.New(reaper.Config{
//	    Store:      store,
//	    Controller: controller,
//	    Schedule:   "*/1 * * * *",
//	    Leader:     reaper.NewAdvisoryLock(pool, reaper.LockKey),
//	    Logger:     logger,
//	})
//	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	    logger.Error("reaper stopped", "error", err)
//	}
package reaper
