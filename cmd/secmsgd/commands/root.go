// Package commands implements the secmsgd command line.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rbaliyan/secmsg"
	"github.com/rbaliyan/secmsg/agent"
	"github.com/rbaliyan/secmsg/session/natskv"
	"github.com/rbaliyan/secmsg/transport/natsbus"
)

var (
	configPath string
	natsURL    string
	logLevel   string
	cfg        *Config
)

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:           "secmsgd",
		Short:         "Secure cross-context messaging daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			var err error
			cfg, err = LoadConfig(configPath)
			if err != nil {
				return err
			}
			if natsURL != "" {
				cfg.NATS.URL = natsURL
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			setupLogging(cfg.Log)
			return cfg.Validate()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "secmsgd.yaml", "config file")
	root.PersistentFlags().StringVar(&natsURL, "nats", "", "NATS server URL (overrides nats.url)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides log.level)")

	root.AddCommand(backgroundCmd(), contentCmd(), versionCmd())

	err := root.Execute()
	if err != nil {
		log.Error().Err(err).Msg("secmsgd failed")
	}
	return err
}

func setupLogging(c LogConfig) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runtime is the part of a context shared by every subcommand: the NATS
// connection, the validator manager over the shared session bucket, and
// the runtime agent at tabID.
type runtime struct {
	nc      *nats.Conn
	manager *secmsg.Manager
	agent   *agent.Agent
}

func connectRuntime(ctx context.Context, c *Config, tabID int, logger zerolog.Logger) (*runtime, error) {
	opts := []nats.Option{
		nats.Name(c.NATS.Name),
		nats.ReconnectWait(c.NATS.ReconnectWait),
		nats.MaxReconnects(c.NATS.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if c.NATS.CredentialsFile != "" {
		opts = append(opts, nats.UserCredentials(c.NATS.CredentialsFile))
	}

	nc, err := nats.Connect(c.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	kek, err := natskv.ReadKEK(c.Session.KEKFile)
	if err != nil {
		nc.Close()
		return nil, secmsg.Alert(secmsg.AlertStorageUnavailable, err)
	}
	storage, err := natskv.New(ctx, nc, c.Session, kek)
	if err != nil {
		nc.Close()
		return nil, secmsg.Alert(secmsg.AlertStorageUnavailable, err)
	}

	manager, err := secmsg.NewManager(ctx, c.Secmsg, storage, secmsg.WithLogger(logger))
	if err != nil {
		nc.Close()
		return nil, err
	}

	endpoint, err := natsbus.New(nc, tabID,
		natsbus.WithPrefix(c.Bus.Prefix),
		natsbus.WithTimeout(c.Bus.Timeout),
		natsbus.WithLogger(logger))
	if err != nil {
		_ = manager.Close()
		nc.Close()
		return nil, err
	}

	a, err := agent.NewRuntime(manager, endpoint, agent.WithLogger(logger))
	if err != nil {
		_ = manager.Close()
		nc.Close()
		return nil, err
	}
	return &runtime{nc: nc, manager: manager, agent: a}, nil
}

func (r *runtime) close() {
	_ = r.agent.RemoveListener()
	_ = r.manager.Close()
	if err := r.nc.Drain(); err != nil {
		r.nc.Close()
	}
}
