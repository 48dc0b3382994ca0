// Package telemetry — логи, метрики и трейсы каскада.
//
// Логгер сервиса пишет JSON (или text при LOG_FORMAT=text) и добавляет
// trace_id/span_id из контекста, так что строки API, воркера и reaper'а
// одного запуска шага находятся по одному trace_id. Метрики регистрируются
// в default registry Prometheus и отдаются на /metrics каждого сервиса.
// Спаны переходов статуса пишутся в тот же логгер на уровне DEBUG.
package telemetry
