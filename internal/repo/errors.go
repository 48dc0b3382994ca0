package repo

import "errors"

// Общие ошибки хранилища статусов.
var (
	// ErrNotFound — тенант или запуск не найден.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict — у тенанта уже есть активный запуск (advisory lock занят).
	ErrConflict = errors.New("conflict: step already active")

	// ErrInvalidState — операция невозможна в текущем состоянии
	// (например, запись в уже завершённый запуск).
	ErrInvalidState = errors.New("invalid state")

	// ErrUnavailable — хранилище временно недоступно; вызывающий должен повторить.
	ErrUnavailable = errors.New("store unavailable")
)
