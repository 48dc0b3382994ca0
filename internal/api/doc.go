// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go         — Handler с DI (контроллер, оркестратор, logger)
//   - routes.go          — регистрация маршрутов
//   - middleware.go      — middleware (recovery, metrics, logging)
//   - response.go        — JSON-конверт и отображение ошибок на HTTP-коды
//   - dto.go             — Data Transfer Objects (request/response)
//   - status_handler.go  — статус, запуск и остановка шага
//   - run_handler.go     — запуски и обратный вызов прогресса
//   - tenant_handler.go  — тенанты и реестр шагов
//   - cascade_handler.go — секвенсор каскада
//
// Ответы: {"data": ...} или {"error": {"code": ..., "message": ...}}.
// Недоступность хранилища всегда 503, никогда «пустой» статус.
package api
