// Package domain содержит модель данных каскада.
//
//   - step.go      — CascadeStep и Tenant
//   - status.go    — состояния запуска и их свойства
//   - execution.go — ExecutionStatus и переходы между состояниями
//   - snapshot.go  — ScriptsStatus (чекпоинт) и Snapshot для наблюдателей
package domain
