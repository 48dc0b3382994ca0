package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Output печатает результаты команд. Данные идут в stdout (таблица, текст
// или JSON при --json), сообщения о ходе и ошибках в stderr, поэтому
// `cascade status acme --json | jq` не ломается от строк вида "✓ ...".
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

// NewOutput создаёт Output поверх stdout/stderr.
func NewOutput(jsonMode bool) *Output {
	return NewOutputTo(jsonMode, os.Stdout, os.Stderr)
}

// NewOutputTo — Output с явными потоками.
func NewOutputTo(jsonMode bool, w, errW io.Writer) *Output {
	return &Output{jsonMode: jsonMode, w: w, errW: errW}
}

// JSONMode — включён ли --json.
func (o *Output) JSONMode() bool {
	return o.jsonMode
}

// Emit печатает v в JSON или результат render в текстовом режиме.
func (o *Output) Emit(v any, render func() string) {
	if o.jsonMode {
		o.JSON(v)
		return
	}
	o.Text(render())
}

// Result печатает v только в JSON-режиме. В текстовом режиме команда
// уже сообщила итог через Success.
func (o *Output) Result(v any) {
	if o.jsonMode {
		o.JSON(v)
	}
}

// Print — таблица или JSON.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.Table(headers, rows)
}

// Table выводит таблицу с жирной шапкой. Пустой список — строка
// "(none)" вместо одинокой шапки.
func (o *Output) Table(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(o.w, mutedStyle.Render("(none)"))
		return
	}

	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	head := make([]string, len(headers))
	for i, h := range headers {
		head[i] = boldStyle.Render(h)
	}
	fmt.Fprintln(tw, strings.Join(head, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	_ = tw.Flush()
}

// Text печатает готовый текст в stdout.
func (o *Output) Text(s string) {
	fmt.Fprint(o.w, s)
}

// JSON печатает v с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Success, Warn и Error пишут однострочные сообщения в stderr.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, successStyle.Render("✓")+" "+msg)
}

func (o *Output) Warn(msg string) {
	fmt.Fprintln(o.errW, warnStyle.Render("!")+" "+msg)
}

func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, errorStyle.Render("✗")+" Error: "+msg)
}
