/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// ErrAborted is returned by Fetch when the user quit before a result was
// available.
var ErrAborted = errors.New("aborted")

type fetchErrMsg struct {
	err error
}

type fetchResultMsg[T any] struct {
	value T
}

type fetchModel[T any] struct {
	ctx   context.Context
	label string
	fetch func(context.Context) (T, error)

	attempts int
	interval time.Duration

	spinner spinner.Model

	quitting bool
	done     bool

	result T
	err    error
}

func (m *fetchModel[T]) run() tea.Msg {
	for count := 1; ; count++ {
		value, err := m.fetch(m.ctx)
		if err == nil {
			return fetchResultMsg[T]{value}
		}
		if count >= m.attempts {
			return fetchErrMsg{err}
		}
		log.Println(err.Error())

		select {
		case <-m.ctx.Done():
			return fetchErrMsg{m.ctx.Err()}
		case <-time.After(m.interval):
		}
	}
}

func (m *fetchModel[T]) Init() tea.Cmd {
	return tea.Batch(
		spinner.Tick,
		m.run,
	)
}

func (m *fetchModel[T]) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		default:
			return m, nil
		}

	case fetchErrMsg:
		m.err = msg.err
		m.done = true
		return m, tea.Quit

	case fetchResultMsg[T]:
		m.result = msg.value
		m.done = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	default:
		return m, nil
	}
}

func (m *fetchModel[T]) View() string {
	if m.done {
		// Result and errors are printed by the caller.
		return ""
	}

	str := fmt.Sprintf("%s %s ...", termenv.String(m.spinner.View()).String(), m.label)
	if m.quitting {
		return str + "\n"
	}
	return str
}

// Fetch calls fetch up to attempts times, one second apart, while showing
// a spinner with label on interactive terminals.
func Fetch[T any](ctx context.Context, label string, attempts int, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	var opts []tea.ProgramOption

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		// If not a terminal, disable user interface.
		opts = []tea.ProgramOption{tea.WithoutRenderer(), tea.WithInput(nil)}
	} else {
		// If user interface, discard all log output.
		log.SetOutput(io.Discard)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := spinner.NewModel()
	s.HideFor = time.Second
	s.Spinner = spinner.Line

	if attempts < 1 {
		attempts = 1
	}
	m := &fetchModel[T]{
		ctx:   ctx,
		label: label,
		fetch: fetch,

		attempts: attempts,
		interval: time.Second,

		spinner: s,
	}

	if err := tea.NewProgram(m, opts...).Start(); err != nil {
		return zero, err
	}
	if m.err != nil {
		return zero, m.err
	}
	if !m.done {
		return zero, ErrAborted
	}

	return m.result, nil
}
