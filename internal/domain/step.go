package domain

import "time"

// CascadeStep — статическое описание шага каскада.
//
// Шаги задаются при старте процесса и не меняются.
// ScriptKey — стабильный ключ, под которым шаг хранится в ScriptsStatus.
type CascadeStep struct {
	// ID — порядковый идентификатор ("01", "02", ...).
	ID string `json:"id" yaml:"id"`

	// Name — человекочитаемое название.
	Name string `json:"name" yaml:"name"`

	// ScriptKey — ключ статуса (например, "biografias").
	ScriptKey string `json:"scriptKey" yaml:"script_key"`

	// Order — порядок выполнения (по возрастанию).
	Order int `json:"order" yaml:"order"`

	// Command — команда запуска внешнего скрипта (опционально).
	// Аргументы рендерятся как text/template с полями .TenantID, .ScriptKey, .RunID.
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`

	// TimeoutSec — жёсткий таймаут шага в секундах (0 — значение по умолчанию).
	TimeoutSec int `json:"timeoutSec,omitempty" yaml:"timeout_sec,omitempty"`
}

// Timeout возвращает таймаут шага или fallback, если он не задан.
func (s CascadeStep) Timeout(fallback time.Duration) time.Duration {
	if s.TimeoutSec > 0 {
		return time.Duration(s.TimeoutSec) * time.Second
	}
	return fallback
}

// Tenant — единица изоляции каскада (empresa).
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}
