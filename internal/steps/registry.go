package steps

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shaiso/Cascade/internal/domain"
)

// Ошибки реестра.
var (
	// ErrStepNotFound — шаг с таким scriptKey не зарегистрирован.
	ErrStepNotFound = errors.New("step not found")

	// ErrInvalidStep — шаг описан некорректно.
	ErrInvalidStep = errors.New("invalid step")

	// ErrDuplicateStep — повтор scriptKey или order.
	ErrDuplicateStep = errors.New("duplicate step")
)

// Registry — упорядоченный список шагов каскада.
//
// Неизменяем после создания, поэтому безопасен для конкурентного чтения
// без блокировок.
type Registry struct {
	steps []domain.CascadeStep
	byKey map[string]int
}

// NewRegistry создаёт реестр из списка шагов.
//
// Шаги сортируются по Order. Возвращает ошибку, если ключи или порядковые
// номера повторяются либо обязательные поля пусты.
func NewRegistry(list []domain.CascadeStep) (*Registry, error) {
	sorted := make([]domain.CascadeStep, len(list))
	copy(sorted, list)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})

	r := &Registry{
		steps: sorted,
		byKey: make(map[string]int, len(sorted)),
	}

	orders := make(map[int]string, len(sorted))
	for i, s := range sorted {
		if s.ScriptKey == "" {
			return nil, fmt.Errorf("%w: step %q has empty script_key", ErrInvalidStep, s.ID)
		}
		if s.Name == "" {
			return nil, fmt.Errorf("%w: step %q has empty name", ErrInvalidStep, s.ScriptKey)
		}
		if _, ok := r.byKey[s.ScriptKey]; ok {
			return nil, fmt.Errorf("%w: script_key %q", ErrDuplicateStep, s.ScriptKey)
		}
		if other, ok := orders[s.Order]; ok {
			return nil, fmt.Errorf("%w: order %d used by %q and %q", ErrDuplicateStep, s.Order, other, s.ScriptKey)
		}
		r.byKey[s.ScriptKey] = i
		orders[s.Order] = s.ScriptKey
	}

	return r, nil
}

// MustRegistry — как NewRegistry, но паникует при ошибке.
// Используется для встроенного набора шагов.
func MustRegistry(list []domain.CascadeStep) *Registry {
	r, err := NewRegistry(list)
	if err != nil {
		panic(err)
	}
	return r
}

// Steps возвращает шаги в порядке выполнения.
func (r *Registry) Steps() []domain.CascadeStep {
	out := make([]domain.CascadeStep, len(r.steps))
	copy(out, r.steps)
	return out
}

// Get возвращает шаг по scriptKey.
func (r *Registry) Get(scriptKey string) (domain.CascadeStep, error) {
	i, ok := r.byKey[scriptKey]
	if !ok {
		return domain.CascadeStep{}, fmt.Errorf("%w: %s", ErrStepNotFound, scriptKey)
	}
	return r.steps[i], nil
}

// Has проверяет, зарегистрирован ли шаг.
func (r *Registry) Has(scriptKey string) bool {
	_, ok := r.byKey[scriptKey]
	return ok
}

// Keys возвращает scriptKey всех шагов в порядке выполнения.
func (r *Registry) Keys() []string {
	keys := make([]string, len(r.steps))
	for i, s := range r.steps {
		keys[i] = s.ScriptKey
	}
	return keys
}

// Count возвращает количество шагов.
func (r *Registry) Count() int {
	return len(r.steps)
}

// Next возвращает первый шаг, не отмеченный завершённым в scripts.
// ok == false, если все шаги завершены.
func (r *Registry) Next(scripts domain.ScriptsStatus) (step domain.CascadeStep, ok bool) {
	for _, s := range r.steps {
		if !scripts[s.ScriptKey] {
			return s, true
		}
	}
	return domain.CascadeStep{}, false
}
