// Package orchestrator проводит каскад шагов для тенанта.
//
// Sequencer запускает шаги реестра по порядку, пропуская завершённые,
// и ждёт каждый шаг опросом Store. Первая ошибка останавливает каскад.
// Orchestrator держит по одному секвенсору на тенанта в процессе API.
package orchestrator
