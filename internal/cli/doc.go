// Package cli реализует инструмент командной строки Cascade.
//
// CLI работает через HTTP API и не импортирует серверные пакеты, кроме
// доменных типов и поллера. Client реализует poller.Source, поэтому
// watch и run --wait используют тот же цикл опроса, что и секвенсор.
//
// Команды: steps, tenant (create, reset), status, watch, run, stop,
// runs, cascade (start, status, cancel).
//
// Данные выводятся в stdout (таблица или --json), сообщения — в stderr.
package cli
