package api

import (
	"log/slog"

	"github.com/shaiso/Cascade/internal/execution"
	"github.com/shaiso/Cascade/internal/orchestrator"
)

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	controller   *execution.Controller
	orchestrator *orchestrator.Orchestrator
	logger       *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Controller *execution.Controller

	// Orchestrator — секвенсоры каскадов. Без него маршруты /cascade
	// отвечают 503.
	Orchestrator *orchestrator.Orchestrator

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		controller:   cfg.Controller,
		orchestrator: cfg.Orchestrator,
		logger:       logger.With("component", "api"),
	}
}
