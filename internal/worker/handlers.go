package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Cascade/internal/execution"
	"github.com/shaiso/Cascade/internal/mq"
	"github.com/shaiso/Cascade/internal/telemetry"
)

// redeliveredMessage — запуск, чей воркер пропал до подтверждения сообщения.
const redeliveredMessage = "worker lost during execution"

// handleStepReady обрабатывает сообщение step.ready.
//
// Сообщение подтверждается после записи финального статуса. Ошибка
// возвращается только если статус записать не удалось; тогда сообщение
// уходит в DLQ, а зависший запуск снимет reaper.
func (w *Worker) handleStepReady(ctx context.Context, delivery *mq.Delivery) error {
	if delivery.Message.Type != mq.MessageTypeStepReady {
		return fmt.Errorf("%w: %s", mq.ErrUnknownMessage, delivery.Message.Type)
	}

	payload, err := mq.ParsePayload[mq.StepReadyPayload](&delivery.Message)
	if err != nil {
		w.logger.Error("failed to parse step.ready payload", "error", err)
		return err
	}

	job := execution.Job{
		RunID:    payload.RunID,
		TenantID: payload.TenantID,
		Step:     payload.Step,
	}

	logger := telemetry.WithRun(w.logger, job.TenantID, job.Step.ScriptKey, job.RunID.String())

	// Повторная доставка: предыдущий воркер упал посреди шага.
	// Шаги не перезапускаются автоматически, запуск закрывается ошибкой.
	if delivery.Redelivered() {
		logger.Warn("step.ready redelivered, failing run instead of re-running")
		err := w.runner.reporter.Fail(ctx, job.RunID, redeliveredMessage, nil)
		if err != nil && !errors.Is(err, execution.ErrTerminal) && !errors.Is(err, execution.ErrNotFound) {
			return err
		}
		return nil
	}

	logger.Debug("received step.ready")
	return w.runner.Run(ctx, job)
}
