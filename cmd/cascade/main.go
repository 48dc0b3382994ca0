// Cascade CLI — инструмент командной строки для запуска шагов
// и наблюдения за каскадом тенанта через HTTP API.
//
// Использование:
//
//	cascade [--api-url URL] [--json] <command> [args] [flags]
//
// Команды:
//
//	steps     Реестр шагов
//	tenant    Создание и сброс тенантов
//	status    Снимок тенанта
//	watch     Слежение за изменениями статуса
//	run       Запуск шага
//	stop      Остановка активного шага
//	runs      История запусков
//	cascade   Каскад целиком
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaiso/Cascade/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "cascade",
		Short:         "Cascade CLI: run and watch tenant step cascades",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := "http://localhost:8080"
	if v := os.Getenv("CASCADE_API_URL"); v != "" {
		defaultURL = v
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewStepsCmd(clientFn, outputFn),
		cli.NewTenantCmd(clientFn, outputFn),
		cli.NewStatusCmd(clientFn, outputFn),
		cli.NewWatchCmd(clientFn, outputFn),
		cli.NewRunCmd(clientFn, outputFn),
		cli.NewStopCmd(clientFn, outputFn),
		cli.NewRunsCmd(clientFn, outputFn),
		cli.NewCascadeCmd(clientFn, outputFn),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cli.NewOutput(jsonOutput).Error(err.Error())
		cancel()
		os.Exit(1)
	}
}
