package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики каскада. Регистрируются в prometheus.DefaultRegisterer
// и отдаются через promhttp.Handler() на /metrics.
var (
	// StepTransitions — переходы состояний шагов.
	StepTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cascade_step_transitions_total",
		Help: "Step state transitions by target status",
	}, []string{"script_key", "status"})

	// StepDuration — длительность шагов от старта до финального статуса.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cascade_step_duration_seconds",
		Help:    "Step duration from start to terminal status",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"script_key", "status"})

	// StartConflicts — отклонённые запуски (шаг уже активен).
	StartConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cascade_start_conflicts_total",
		Help: "Start requests rejected because a step was already active",
	})

	// ProgressReports — принятые отчёты о прогрессе.
	ProgressReports = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cascade_progress_reports_total",
		Help: "Progress reports accepted",
	})

	// StopRequests — запросы остановки по результату (stopped, noop).
	StopRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cascade_stop_requests_total",
		Help: "Stop requests by outcome",
	}, []string{"outcome"})

	// CascadeRuns — завершённые прогоны секвенсора по исходу.
	CascadeRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cascade_sequencer_runs_total",
		Help: "Cascade sequencer runs by outcome",
	}, []string{"outcome"})

	// ActiveCascades — секвенсоры, работающие в процессе.
	ActiveCascades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cascade_active_sequencers",
		Help: "Cascade sequencers running in this process",
	})

	// ReapedRuns — запуски, помеченные error по жёсткому таймауту.
	ReapedRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cascade_reaped_runs_total",
		Help: "Active runs marked as error by the timeout sweep",
	})

	// StoreErrors — ошибки хранилища по операции.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cascade_store_errors_total",
		Help: "Status store errors by operation",
	}, []string{"op"})

	// HTTPRequests — HTTP запросы по маршруту и коду ответа.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cascade_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "code"})

	// BrokerConnected — 1, пока соединение с RabbitMQ живо.
	BrokerConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cascade_broker_connected",
		Help: "Whether the AMQP connection is up",
	}, []string{"connection"})

	// BrokerReconnects — успешные переподключения к RabbitMQ.
	BrokerReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cascade_broker_reconnects_total",
		Help: "Successful AMQP reconnects",
	}, []string{"connection"})
)
