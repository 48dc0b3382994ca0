package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrCascadeActive — для тенанта в этом процессе уже идёт каскад.
	ErrCascadeActive = errors.New("cascade already running for tenant")

	// ErrCascadeNotFound — каскад для тенанта в этом процессе не запускался.
	ErrCascadeNotFound = errors.New("cascade not found")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)
