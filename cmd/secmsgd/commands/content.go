package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rbaliyan/secmsg/agent"
	"github.com/rbaliyan/secmsg/bridge"
	"github.com/rbaliyan/secmsg/transport/wsbridge"
)

func contentCmd() *cobra.Command {
	var tabID int
	cmd := &cobra.Command{
		Use:   "content",
		Short: "Run the content context of one tab",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tabID < 1 {
				return fmt.Errorf("--tab must be a positive tab ID")
			}
			ctx, stop := signalContext()
			defer stop()
			return runContent(ctx, cfg, tabID)
		},
	}
	cmd.Flags().IntVar(&tabID, "tab", 0, "tab ID of this content context")
	return cmd
}

// logClipboard records clipboard requests when no system clipboard is
// attached to the daemon.
type logClipboard struct {
	log zerolog.Logger
}

func (c logClipboard) WriteText(_ context.Context, text string) error {
	c.log.Info().Int("bytes", len(text)).Msg("Clipboard save requested")
	return nil
}

func runContent(ctx context.Context, c *Config, tabID int) error {
	logger := log.With().Str("context", "content").Int("tab", tabID).Logger()

	if c.Bridge.EditorOrigin == "" {
		return fmt.Errorf("bridge.editor_origin is required")
	}
	if !c.Secmsg.OriginAllowed(c.Worker.ChatOrigin) {
		return fmt.Errorf("worker.chat_origin %q is not an allowed origin", c.Worker.ChatOrigin)
	}

	rt, err := connectRuntime(ctx, c, tabID, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	hub := wsbridge.NewServer(c.Secmsg.AllowedOrigins, wsbridge.WithServerLogger(logger))
	mux := http.NewServeMux()
	mux.Handle(c.Bridge.Path, hub)
	srv := &http.Server{
		Addr:              c.Bridge.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return rt.manager.Run(ctx) })
	g.Go(func() error { return serveBridge(ctx, c, rt, logger) })

	logger.Info().Str("listen", c.Bridge.Listen).Str("path", c.Bridge.Path).Msg("Content context running")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("Content context stopped")
	return nil
}

// serveBridge joins the hub as the page window and relays between the
// editor window and the background until ctx ends.
func serveBridge(ctx context.Context, c *Config, rt *runtime, logger zerolog.Logger) error {
	hubURL := "ws://" + strings.TrimPrefix(c.Bridge.Listen, "http://") + c.Bridge.Path

	var page *wsbridge.Client
	var err error
	for attempt := 0; ; attempt++ {
		page, err = wsbridge.Dial(ctx, hubURL, c.Bridge.PageWindow, c.Worker.ChatOrigin, wsbridge.WithClientLogger(logger))
		if err == nil {
			break
		}
		if attempt == 10 || ctx.Err() != nil {
			return fmt.Errorf("join window hub: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	defer page.Close()

	toEditor, err := agent.NewWindow(rt.manager, page, agent.WithLogger(logger))
	if err != nil {
		return err
	}

	content, err := bridge.New(rt.agent, toEditor,
		agent.Destination{Window: c.Bridge.EditorWindow, TargetOrigin: c.Bridge.EditorOrigin},
		bridge.WithClipboard(logClipboard{log: logger}),
		bridge.OnURLUpdated(func(context.Context) error {
			logger.Info().Msg("Tab URL updated")
			return nil
		}),
		bridge.OnTabChanged(func(_ context.Context, subKey string) error {
			logger.Info().Str("subKey", subKey).Msg("Editor tab changed")
			return nil
		}),
		bridge.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := content.Start(ctx); err != nil {
		return err
	}
	defer content.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-page.Done():
		return fmt.Errorf("window hub connection lost")
	}
}
