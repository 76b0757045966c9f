package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/opencode-ai/agentrelay/internal/agent"
	"github.com/opencode-ai/agentrelay/internal/command"
	"github.com/opencode-ai/agentrelay/internal/config"
	"github.com/opencode-ai/agentrelay/internal/event"
	"github.com/opencode-ai/agentrelay/internal/gateway"
	"github.com/opencode-ai/agentrelay/internal/gateway/discord"
	"github.com/opencode-ai/agentrelay/internal/logging"
	"github.com/opencode-ai/agentrelay/internal/permission"
	"github.com/opencode-ai/agentrelay/internal/relay"
	"github.com/opencode-ai/agentrelay/internal/server"
	"github.com/opencode-ai/agentrelay/internal/session"
	"github.com/opencode-ai/agentrelay/internal/stream"
	"github.com/opencode-ai/agentrelay/internal/vcs"
	"github.com/opencode-ai/agentrelay/pkg/mcpserver/approval"
	"github.com/opencode-ai/agentrelay/pkg/types"
)

const (
	shutdownTimeout = 30 * time.Second

	// The web gateway allows five outbound operations a second per
	// conversation, in bursts of five.
	webRateLimit = rate.Limit(5)
	webRateBurst = 5
)

var (
	servePort     int
	serveHostname string
	serveGateway  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay",
	Long: `Start the relay: connect to the chat platform, serve the HTTP API and
the agent's permission endpoint, and run agent turns for incoming messages.

The gateway is "discord" (needs DISCORD_TOKEN) or "web", which takes
messages over the HTTP API and streams replies on /event.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default from config, 4097)")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "", "Hostname to listen on (default from config, 127.0.0.1)")
	serveCmd.Flags().StringVar(&serveGateway, "gateway", "", "Chat gateway: discord or web (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveHostname != "" {
		cfg.Server.Host = serveHostname
	}
	if serveGateway != "" {
		cfg.Gateway.Kind = serveGateway
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	initLogging(cfg.Log)
	defer logging.Close()

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info().
		Str("version", Version).
		Str("workDir", cfg.WorkDir).
		Str("gateway", cfg.Gateway.Kind).
		Str("store", cfg.Store.Driver).
		Strs("configSources", cfg.Sources).
		Msg("starting agentrelay")

	store, err := session.NewStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	bus := event.NewBus()
	defer bus.Close()

	gw, web, err := newGateway(cfg, bus)
	if err != nil {
		return err
	}

	gate := permission.NewGate(gw, bus, permission.PolicyFromConfig(cfg.Approval))

	watcher, err := config.NewWatcher(cfg.Sources, func(ac types.ApprovalConfig) {
		gate.SetPolicy(permission.PolicyFromConfig(ac))
		bus.Publish(event.Event{Type: event.ConfigReloaded, Data: event.ConfigReloadedData{Sources: cfg.Sources}})
	})
	if err != nil {
		logging.Warn().Err(err).Msg("config watcher disabled")
	} else if watcher != nil {
		watcher.Start()
		defer watcher.Stop()
	}

	branches, err := vcs.NewWatcher(cfg.WorkDir, bus)
	if err != nil {
		logging.Warn().Err(err).Msg("branch tracking disabled")
	} else if branches != nil {
		branches.Start()
		defer branches.Stop()
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Host = cfg.Server.Host
	srvCfg.Port = cfg.Server.Port

	approvals := agent.NewToolApprovals()
	runner := &agent.ClaudeRunner{
		Binary:     cfg.Agent.Binary,
		Model:      cfg.Agent.Model,
		ExtraArgs:  cfg.Agent.ExtraArgs,
		MCPBaseURL: "http://" + mcpHost(srvCfg) + "/mcp",
		Approvals:  approvals,
	}

	manager := session.NewManager(session.Options{
		Runner:    runner,
		Gate:      gate,
		Store:     store,
		Artifacts: agent.ClaudeArtifacts{ProjectsDir: cfg.Agent.ProjectsDir, WorkDir: cfg.WorkDir},
		Bus:       bus,
		WorkDir:   cfg.WorkDir,
	})

	handler := relay.New(relay.Options{
		Messenger: gw,
		Manager:   manager,
		Gate:      gate,
		Commands:  command.NewRegistry(cfg.WorkDir, cfg.Command),
		Stream:    stream.OptionsFromConfig(cfg.Stream),
		Workspace: branches,
	})

	srv := server.New(srvCfg, server.Options{
		Manager:  manager,
		Gate:     gate,
		Bus:      bus,
		Web:      web,
		Approval: approval.NewHandler(approvals),
	})

	// The server comes first: the agent calls back into it for approvals.
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	if err := gw.Start(ctx, handler); err != nil {
		shutdown(srv, gw, handler)
		return fmt.Errorf("start %s gateway: %w", cfg.Gateway.Kind, err)
	}
	logging.Info().Str("addr", srv.Addr()).Msg("relay ready")

	select {
	case <-ctx.Done():
		logging.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			shutdown(srv, gw, handler)
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdown(srv, gw, handler)
	logging.Info().Msg("relay stopped")
	return nil
}

// newGateway builds the configured gateway. web is set only for the web
// gateway.
func newGateway(cfg *types.Config, bus *event.Bus) (gateway.Gateway, *server.WebGateway, error) {
	switch cfg.Gateway.Kind {
	case "discord":
		gw, err := discord.New(discord.Config{
			Token:        cfg.Gateway.Discord.Token,
			AllowedUsers: cfg.Gateway.Discord.AllowedUsers,
			Channels:     cfg.Gateway.Discord.Channels,
		})
		if err != nil {
			return nil, nil, err
		}
		return gw, nil, nil
	case "web":
		web := server.NewWebGateway(bus, webRateLimit, webRateBurst)
		return web, web, nil
	default:
		return nil, nil, fmt.Errorf("unknown gateway kind %q", cfg.Gateway.Kind)
	}
}

// mcpHost is the address the agent uses to reach the server. A wildcard
// listen address is reached over loopback.
func mcpHost(cfg *server.Config) string {
	host := cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.Port))
}

// shutdown stops taking messages, aborts running turns and closes the
// server, in that order.
func shutdown(srv *server.Server, gw gateway.Gateway, handler *relay.Handler) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := gw.Close(); err != nil {
		logging.Warn().Err(err).Msg("gateway close failed")
	}
	if err := handler.Close(ctx); err != nil {
		logging.Warn().Err(err).Msg("turns did not finish before shutdown")
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Warn().Err(err).Msg("server shutdown failed")
	}
}
