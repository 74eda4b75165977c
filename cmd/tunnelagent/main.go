// Command tunnelagent connects a local HTTP service to a tunnl.fit tunnel
// server and proxies inbound requests to it until told to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnl-fit/agent/internal/config"
	"github.com/tunnl-fit/agent/internal/hooks"
	"github.com/tunnl-fit/agent/internal/plugins/stats"
	"github.com/tunnl-fit/agent/internal/session"
)

// agentVersion is stamped on outbound CONNECT frames. Overridden at build
// time via -ldflags "-X main.agentVersion=...".
var agentVersion = "dev"

var configFile string

func main() {
	setupLogger()

	root := &cobra.Command{
		Use:   "tunnelagent",
		Short: "Expose a local HTTP service through a tunnel",
		RunE:  run,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.Flags()
	flags.String("server", "", "tunnel server URL (defaults to the production or development server)")
	flags.Int("port", 0, "local port to expose (required)")
	flags.String("subdomain", "", "requested subdomain; the server may assign a different one")
	flags.String("token", "", "authentication token")
	flags.Bool("no-reconnect", false, "disable automatic reconnection after the channel drops")
	flags.Int("dashboard-port", 0, "local stats dashboard port (0 disables it)")
	flags.StringVar(&configFile, "config", ".env", "path to a .env file loaded before flags and environment")

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("tunnelagent: command failed")
	}
}

func setupLogger() {
	console := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}
	log.Logger = log.Output(console)
}

func run(cmd *cobra.Command, args []string) error {
	config.LoadDotenv(configFile)
	nodeEnv := os.Getenv("NODE_ENV")

	loader := config.NewLoader(nodeEnv)
	if err := loader.BindFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("tunnelagent: bind flags: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("tunnelagent: load config: %w", err)
	}
	if cfg.LocalPort == 0 {
		return fmt.Errorf("tunnelagent: --port is required")
	}

	instanceID, err := config.AgentInstanceID()
	if err != nil {
		return fmt.Errorf("tunnelagent: agent identity: %w", err)
	}
	logger := log.Logger.With().Str("agent_id", instanceID).Logger()

	pipeline := &hooks.Pipeline{}
	pipeline.Register(stats.New(cfg.DashboardPort, logger))

	opts := session.Options{
		ServerURL:    cfg.ServerURL,
		LocalPort:    cfg.LocalPort,
		Subdomain:    cfg.Subdomain,
		Token:        cfg.Token,
		Reconnect:    !cfg.NoReconnect,
		AgentVersion: agentVersion,
	}

	sess, err := session.New(opts, logger, pipeline)
	if err != nil {
		return fmt.Errorf("tunnelagent: %w", err)
	}

	fatalCh := make(chan error, 1)
	sess.OnFatal = func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("tunnelagent: connect: %w", err)
	}
	logger.Info().Str("public_url", sess.PublicURL()).Msg("tunnel established")

	select {
	case <-ctx.Done():
		logger.Info().Msg("tunnelagent: shutting down")
		sess.Disconnect("Client disconnect")
		return nil
	case err := <-fatalCh:
		logger.Error().Err(err).Msg("tunnelagent: reconnect attempts exhausted, giving up")
		return err
	}
}
