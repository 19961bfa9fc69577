package main

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pkt.systems/marina/internal/eventbus"
	"pkt.systems/marina/internal/ui"
	"pkt.systems/pslog"
)

func newUICmd(flags *rootFlags) *cobra.Command {
	var inline bool
	cmd := &cobra.Command{
		Use:   "ui",
		Short: "Run the terminal client",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			app, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer app.Close()

			events, unsubscribe := app.Bus().Subscribe(eventbus.EventSession, eventbus.EventAppearance)
			defer unsubscribe()

			ctx, stop := context.WithCancel(cmd.Context())
			defer stop()
			g, gctx := errgroup.WithContext(ctx)

			if err := app.Appearance().Start(gctx); err != nil {
				logger.Warn("appearance watch unavailable", "err", err)
			}
			model := ui.NewModel(ui.Options{
				Events:     events,
				Retry:      app.Reconciler().Retry,
				Initial:    app.Reconciler().Snapshot(),
				Appearance: app.Appearance().Current(),
			})
			opts := []tea.ProgramOption{tea.WithContext(gctx), tea.WithInput(cmd.InOrStdin()), tea.WithOutput(cmd.OutOrStdout())}
			if !inline {
				opts = append(opts, tea.WithAltScreen())
			}
			program := tea.NewProgram(model, opts...)

			g.Go(func() error {
				return app.Reconciler().Run(gctx)
			})
			g.Go(func() error {
				defer stop()
				_, err := program.Run()
				if errors.Is(err, tea.ErrProgramKilled) && gctx.Err() != nil {
					return nil
				}
				return err
			})
			err = g.Wait()
			logger.Debug("ui stopped", "err", err)
			return err
		},
	}
	cmd.Flags().BoolVar(&inline, "inline", false, "render inline instead of the alternate screen")
	return cmd
}
