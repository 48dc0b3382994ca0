package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/shaiso/Cascade/internal/domain"
	"github.com/shaiso/Cascade/internal/execution"
)

const (
	defaultStopCheckInterval = 5 * time.Second
	killWaitDelay            = 5 * time.Second
	maxOutputLine            = 1 << 20
	stderrTail               = 4096
)

// DefaultCommand — команда шага без явного Command: node-скрипт с ключом
// шага в SCRIPTS_DIR, тенант передаётся аргументом.
var DefaultCommand = []string{"node", "{{.ScriptKey}}.js", "--empresaId={{.TenantID}}"}

// CommandExecutor запускает внешний скрипт шага.
//
// Протокол: скрипт пишет в stdout по одному JSON-объекту на строку.
//
//	{"type":"progress","current":3,"total":10,"item":"Ana","message":"..."}
//	{"type":"log","message":"..."}
//	{"type":"success"}                       — +1 к successes
//	{"type":"error","message":"..."}         — ошибка по элементу, шаг продолжается
//	{"type":"result","successes":10}
//
// Строки не в формате JSON попадают в лог запуска как есть.
// Остановка кооперативная: в stdin пишется {"type":"stop"} и stdin
// закрывается, дальше скрипт завершается сам. Процесс убивается только
// по жёсткому таймауту шага (отмена ctx).
// Ненулевой код выхода — ошибка шага с хвостом stderr.
type CommandExecutor struct {
	// ScriptsDir — рабочий каталог скриптов.
	ScriptsDir string

	// Command — шаблоны аргументов, если у шага нет своего Command.
	// По умолчанию DefaultCommand.
	Command []string

	// Env — дополнительные переменные окружения (KEY=VALUE).
	Env []string

	// StopCheckInterval — как часто проверять флаг остановки, если скрипт
	// молчит (default: 5s).
	StopCheckInterval time.Duration

	Logger *slog.Logger
}

// commandData — поля, доступные в шаблонах команды.
type commandData struct {
	TenantID   string
	ScriptKey  string
	RunID      string
	Name       string
	ScriptsDir string
}

// outputLine — одна строка протокола.
type outputLine struct {
	Type      string `json:"type"`
	Current   int    `json:"current"`
	Total     int    `json:"total"`
	Item      string `json:"item"`
	Message   string `json:"message"`
	Successes *int   `json:"successes"`
}

// Render возвращает команду шага с подставленными значениями.
func (e *CommandExecutor) Render(job execution.Job) ([]string, error) {
	templates := job.Step.Command
	if len(templates) == 0 {
		templates = e.Command
	}
	if len(templates) == 0 {
		templates = DefaultCommand
	}

	data := commandData{
		TenantID:   job.TenantID,
		ScriptKey:  job.Step.ScriptKey,
		RunID:      job.RunID.String(),
		Name:       job.Step.Name,
		ScriptsDir: e.ScriptsDir,
	}

	args := make([]string, 0, len(templates))
	for i, text := range templates {
		tmpl, err := template.New(fmt.Sprintf("arg%d", i)).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("%w: parse %q: %v", ErrInvalidCommand, text, err)
		}

		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("%w: render %q: %v", ErrInvalidCommand, text, err)
		}
		args = append(args, buf.String())
	}

	if args[0] == "" {
		return nil, fmt.Errorf("%w: empty program", ErrInvalidCommand)
	}
	return args, nil
}

// Execute запускает скрипт и разбирает его вывод до завершения процесса.
func (e *CommandExecutor) Execute(ctx context.Context, s *Session) (domain.Result, error) {
	job := s.Job()
	args, err := e.Render(job)
	if err != nil {
		return domain.Result{}, err
	}

	logger := e.logger().With("run_id", job.RunID, "program", args[0])

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = e.ScriptsDir
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env,
		"CASCADE_TENANT_ID="+job.TenantID,
		"CASCADE_RUN_ID="+job.RunID.String(),
		"CASCADE_SCRIPT_KEY="+job.Step.ScriptKey,
	)
	cmd.WaitDelay = killWaitDelay

	stderr := &tailWriter{limit: stderrTail}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return domain.Result{}, fmt.Errorf("%w: stdin pipe: %v", ErrExecutionFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return domain.Result{}, fmt.Errorf("%w: stdout pipe: %v", ErrExecutionFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return domain.Result{}, fmt.Errorf("%w: start %s: %v", ErrExecutionFailed, args[0], err)
	}
	logger.Debug("script started", "pid", cmd.Process.Pid, "args", args[1:])

	proc := &process{stdin: stdin, logger: logger}

	watchCtx, stopWatch := context.WithCancel(ctx)
	go e.watchStop(watchCtx, s, proc)

	res, terminal := e.readOutput(ctx, s, stdout, proc)
	waitErr := cmd.Wait()
	stopWatch()

	switch {
	case terminal:
		return res, fmt.Errorf("run finished while script was running: %w", execution.ErrTerminal)
	case s.Stopping():
		return res, execution.ErrStopRequested
	case ctx.Err() != nil:
		return res, ctx.Err()
	case waitErr != nil:
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return res, fmt.Errorf("%w: %v", ErrExecutionFailed, waitErr)
		}
		return res, fmt.Errorf("%w: %v: %s", ErrExecutionFailed, waitErr, msg)
	}

	return res, nil
}

// readOutput разбирает stdout до EOF. terminal=true, если запуск
// завершили извне и дальнейшие отчёты бессмысленны.
func (e *CommandExecutor) readOutput(ctx context.Context, s *Session, stdout io.Reader, proc *process) (res domain.Result, terminal bool) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxOutputLine)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		err := e.handleLine(ctx, s, line, &res)
		switch {
		case err == nil:
		case errors.Is(err, execution.ErrStopRequested):
			proc.requestStop()
		case errors.Is(err, execution.ErrTerminal):
			terminal = true
			proc.requestStop()
		default:
			// Хранилище недоступно: скрипт продолжает, следующий отчёт догонит
			e.logger().Warn("failed to report script output", "error", err)
		}
	}

	if err := scanner.Err(); err != nil {
		e.logger().Warn("script output read failed", "error", err)
		// Дочитываем, чтобы процесс не заблокировался на записи
		_, _ = io.Copy(io.Discard, stdout)
	}

	return res, terminal
}

func (e *CommandExecutor) handleLine(ctx context.Context, s *Session, line string, res *domain.Result) error {
	var out outputLine
	if line[0] != '{' || json.Unmarshal([]byte(line), &out) != nil || out.Type == "" {
		return s.Log(ctx, line)
	}

	switch out.Type {
	case "progress":
		return s.Progress(ctx, domain.Progress{
			Current:  out.Current,
			Total:    out.Total,
			ItemName: out.Item,
			Message:  out.Message,
		})
	case "success":
		res.Successes++
		if out.Message != "" {
			return s.Log(ctx, out.Message)
		}
	case "error":
		res.Errors = append(res.Errors, domain.Entry{Message: out.Message, Timestamp: time.Now().UTC()})
	case "result":
		if out.Successes != nil {
			res.Successes = *out.Successes
		}
		if out.Message != "" {
			return s.Log(ctx, out.Message)
		}
	default:
		if out.Message != "" {
			return s.Log(ctx, out.Message)
		}
	}
	return nil
}

// watchStop проверяет флаг остановки, пока скрипт молчит.
func (e *CommandExecutor) watchStop(ctx context.Context, s *Session, proc *process) {
	ticker := time.NewTicker(e.stopCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.StopRequested(ctx) {
				proc.requestStop()
				return
			}
		}
	}
}

func (e *CommandExecutor) stopCheckInterval() time.Duration {
	if e.StopCheckInterval > 0 {
		return e.StopCheckInterval
	}
	return defaultStopCheckInterval
}

func (e *CommandExecutor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// process — stdin запущенного скрипта.
type process struct {
	stdin  io.WriteCloser
	logger *slog.Logger
	once   sync.Once
}

// requestStop передаёт скрипту запрос остановки. Повторные вызовы ничего не делают.
func (p *process) requestStop() {
	p.once.Do(func() {
		p.logger.Info("sending stop to script")
		// Скрипт мог уже выйти: ошибка записи в закрытый pipe не важна
		_, _ = io.WriteString(p.stdin, `{"type":"stop"}`+"\n")
		_ = p.stdin.Close()
	})
}

// tailWriter хранит последние limit байт вывода.
type tailWriter struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.limit; over > 0 {
		w.buf = w.buf[over:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}
