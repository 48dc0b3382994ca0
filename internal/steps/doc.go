// Package steps содержит реестр шагов каскада.
//
// Реестр — упорядоченный неизменяемый список domain.CascadeStep.
// Порядок задаётся полем Order, ключ статуса — ScriptKey.
//
//	registry := steps.DefaultRegistry()     // встроенные 9 шагов
//	registry, err := steps.LoadFile(path)   // из YAML
//
//	next, ok := registry.Next(scripts)      // первый незавершённый шаг
//
// Реестр не знает, как выполнять шаги: это задача worker.Executor.
package steps
