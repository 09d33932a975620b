package commands

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"
	"github.com/rbaliyan/config/codec"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rbaliyan/secmsg/store"
	"github.com/rbaliyan/secmsg/worker"
)

// tabUpdate is published by the browser host on <prefix>.events.tab-updated
// whenever a tab's URL changes.
type tabUpdate struct {
	TabID  int    `json:"tabId"`
	URL    string `json:"url"`
	Active bool   `json:"active"`
}

func backgroundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "background",
		Short: "Run the background context",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return runBackground(ctx, cfg)
		},
	}
}

func runBackground(ctx context.Context, c *Config) error {
	logger := log.With().Str("context", "background").Logger()

	rt, err := connectRuntime(ctx, c, 0, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	db := store.New(c.Store.Path)
	defer db.Close()

	bg, err := worker.New(rt.agent, db,
		worker.WithChatOrigin(c.Worker.ChatOrigin),
		worker.WithPreviewer(worker.FilePreviewer{Dir: c.Worker.PreviewDir, Log: logger}),
		worker.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := bg.Start(ctx); err != nil {
		return err
	}
	defer bg.Stop()

	events := codec.JSON()
	subject := c.Bus.Prefix + ".events.tab-updated"
	sub, err := rt.nc.Subscribe(subject, func(m *nats.Msg) {
		var u tabUpdate
		if err := events.Decode(m.Data, &u); err != nil {
			logger.Debug().Err(err).Msg("Invalid tab update ignored")
			return
		}
		if err := bg.NotifyURLChanged(ctx, u.TabID, u.URL, u.Active); err != nil {
			logger.Warn().Err(err).Int("tab", u.TabID).Msg("URL update not delivered")
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	logger.Info().Str("store", db.Path()).Str("events", subject).Msg("Background context running")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.manager.Run(ctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("Background context stopped")
	return nil
}
