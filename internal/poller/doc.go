// Package poller — сторона наблюдателя: ожидание финального статуса
// запуска и слежение за снимком тенанта через периодический опрос Store.
//
// Недоступность хранилища во время опроса означает «статус неизвестен»
// и никогда не трактуется как idle.
package poller
