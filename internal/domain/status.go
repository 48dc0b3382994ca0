package domain

// Status — состояние выполнения шага каскада.
//
// Жизненный цикл:
//
//	idle → starting → running → completed
//	                          ↘ error (в том числе остановка по запросу оператора)
//
// starting выставляется синхронно при запуске, до первого отчёта воркера,
// чтобы наблюдатели сразу видели, что шаг вот-вот начнётся.
type Status string

const (
	// StatusIdle — ничего не запускалось (или статус сброшен).
	StatusIdle Status = "idle"

	// StatusStarting — шаг принят, воркер ещё не отчитался.
	StatusStarting Status = "starting"

	// StatusRunning — воркер выполняет шаг.
	StatusRunning Status = "running"

	// StatusCompleted — шаг успешно завершён.
	StatusCompleted Status = "completed"

	// StatusError — шаг завершился ошибкой, таймаутом или был остановлен.
	StatusError Status = "error"
)

// IsTerminal возвращает true, если статус финальный.
// Финальный статус записывается один раз и больше не меняется.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

// IsActive возвращает true для starting/running.
// Активный статус служит advisory lock: второй запуск для тенанта запрещён.
func (s Status) IsActive() bool {
	return s == StatusStarting || s == StatusRunning
}

// String возвращает строковое представление Status.
func (s Status) String() string {
	return string(s)
}

// ParseStatus парсит строку в Status.
// Неизвестные значения трактуются как idle.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusStarting, StatusRunning, StatusCompleted, StatusError:
		return Status(s)
	default:
		return StatusIdle
	}
}
