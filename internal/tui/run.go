package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/citypages/cacheflow/internal/engine"
	"github.com/citypages/cacheflow/internal/event"
)

// Run renders the dashboard over a started engine while scenario
// executes in the background. It blocks until the user quits; quitting
// cancels the scenario's context.
func Run(e *engine.Engine, scenario func(ctx context.Context)) error {
	p := tea.NewProgram(NewModel(e), tea.WithAltScreen())

	subID := e.Events().SubscribeAll(func(ev event.Event) {
		p.Send(busMsg{ev: ev})
	})
	defer e.Events().Unsubscribe(subID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		scenario(ctx)
		p.Send(scenarioDoneMsg{})
	}()

	_, err := p.Run()
	return err
}
