package domain

// ScriptsStatus — durable чекпоинт каскада: scriptKey → шаг завершён.
//
// Флаг выставляется в true ровно один раз, при успешном завершении шага,
// и сбрасывается только явным административным reset.
type ScriptsStatus map[string]bool

// NewScriptsStatus создаёт карту со всеми флагами false.
func NewScriptsStatus(keys []string) ScriptsStatus {
	s := make(ScriptsStatus, len(keys))
	for _, k := range keys {
		s[k] = false
	}
	return s
}

// CompletedCount считает завершённые шаги среди keys.
func (s ScriptsStatus) CompletedCount(keys []string) int {
	n := 0
	for _, k := range keys {
		if s[k] {
			n++
		}
	}
	return n
}

// Progress возвращает агрегированный прогресс каскада в процентах.
// Пустой каскад считается завершённым.
func (s ScriptsStatus) Progress(keys []string) int {
	if len(keys) == 0 {
		return 100
	}
	return ComputeProgress(s.CompletedCount(keys), len(keys))
}

// Clone возвращает копию карты.
func (s ScriptsStatus) Clone() ScriptsStatus {
	c := make(ScriptsStatus, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// Snapshot — снимок состояния тенанта для наблюдателей.
type Snapshot struct {
	// Found — есть ли у тенанта хоть один запуск.
	Found bool `json:"found"`

	// Status — последний запуск (nil, если ничего не запускалось).
	Status *ExecutionStatus `json:"status"`

	// Scripts — чекпоинт каскада.
	Scripts ScriptsStatus `json:"scriptsStatus"`
}

// State возвращает текущее состояние; отсутствие статуса — idle.
func (s Snapshot) State() Status {
	if s.Status == nil {
		return StatusIdle
	}
	return s.Status.Status
}

// ActiveRun возвращает активный запуск или nil.
func (s Snapshot) ActiveRun() *ExecutionStatus {
	if s.Status != nil && s.Status.IsActive() {
		return s.Status
	}
	return nil
}
