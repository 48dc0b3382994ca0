package worker

import "errors"

// Ошибки воркера.
var (
	// ErrNoExecutor — для шага не зарегистрирован исполнитель и у него нет команды.
	ErrNoExecutor = errors.New("no executor for step")

	// ErrExecutionFailed — скрипт шага завершился ошибкой.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrWorkerStopped — воркер остановлен и не принимает задания.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrInvalidCommand — команда шага пуста или не рендерится.
	ErrInvalidCommand = errors.New("invalid step command")
)
