// relaynode - real-time state relay for multiplayer rooms.
//
// A relay node accepts stream-socket and message-socket clients,
// keeps a live player state store, fans state updates out to peers,
// and optionally chains into a cluster tree through one outbound
// parent connection. A REST API, MQTT telemetry, and an interactive
// CLI ride alongside the packet path.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaynode-project/relaynode/internal/api"
	"github.com/relaynode-project/relaynode/internal/cli"
	"github.com/relaynode-project/relaynode/internal/cluster"
	"github.com/relaynode-project/relaynode/internal/config"
	"github.com/relaynode-project/relaynode/internal/db"
	"github.com/relaynode-project/relaynode/internal/dispatch"
	"github.com/relaynode-project/relaynode/internal/events"
	"github.com/relaynode-project/relaynode/internal/session"
	"github.com/relaynode-project/relaynode/internal/sidechannel"
	"github.com/relaynode-project/relaynode/internal/telemetry"
	"github.com/relaynode-project/relaynode/internal/transport"
	"github.com/relaynode-project/relaynode/internal/util"
)

const (
	AppName    = "relaynode"
	AppVersion = "1.0.0"
	Banner     = `
            _                             _
  _ __ ___| | __ _ _   _ _ __   ___   __| | ___
 | '__/ _ \ |/ _' | | | | '_ \ / _ \ / _' |/ _ \
 | | |  __/ | (_| | |_| | | | | (_) | (_| |  __/
 |_|  \___|_|\__,_|\__, |_| |_|\___/ \__,_|\___|
                   |___/  v%s
 Real-time Multiplayer State Relay
`
)

func main() {
	// Print banner
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Initialize logger with defaults first (reconfigured after config load)
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting relaynode")

	// Load configuration
	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log.Info().Str("path", cfg.Path()).Msg("configuration loaded")

	// Re-initialize logger with config-based settings
	logCfg := util.LogConfig{
		Level:      cfg.GetApplicationData().Logging.Level,
		Directory:  cfg.GetApplicationData().Logging.Directory,
		MaxBackups: cfg.GetApplicationData().Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	// Validate configuration
	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	// Log system info
	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	node := cfg.GetNodeData()
	app := cfg.GetApplicationData()

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize core components
	eventBus := events.NewBus()
	registry := session.NewRegistry(uint16(node.NodeIndex))
	store := session.NewStore()
	dispatcher := dispatch.NewDispatcher(registry, store, eventBus)

	// Side channels. Typed nils must not reach the dispatcher's
	// interface fields, so assignment is guarded.
	var likes dispatch.Persistence
	var mail dispatch.Mailer
	var likesDB *db.LikesDatabase
	if app.Likes.Enabled {
		likesDB, err = db.NewLikesDatabase(app.Likes.DBPath)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open likes database, like counting disabled")
		} else {
			likes = likesDB
		}
	}
	if app.Mail.Enabled {
		mail = sidechannel.NewWebhookMailer(app.Mail)
	}
	dispatcher.SetSideChannels(likes, mail)

	// Cluster relay (child and parent roles live on the same object)
	relay := cluster.NewRelay(node, dispatcher, store, eventBus)
	dispatcher.SetCluster(relay)

	// Keep the parent's view fresh and forget announced children when
	// their sessions close.
	eventBus.Subscribe(events.EventSessionIdentified, "cluster.countOnIdentify", func(ctx context.Context, e events.Event) error {
		relay.SendCount()
		return nil
	})
	eventBus.Subscribe(events.EventSessionClosed, "cluster.countOnClose", func(ctx context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.SessionPayload); ok {
			relay.DropChild(p.SessionID)
		}
		relay.SendCount()
		return nil
	})

	// Network listeners: stream socket on the configured port, message
	// socket one port above.
	tcpListener := transport.NewTCPListener(node.BindHost, node.StreamPort, dispatcher)
	wsListener := transport.NewWSListener(node.BindHost, node.MessagePort(), dispatcher)

	// REST API
	apiServer := api.NewServer(cfg, registry, store, relay)

	// MQTT telemetry
	var mqttHandler *telemetry.MQTTHandler
	if app.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus, store)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	// Interactive CLI
	cliHandler := cli.NewCLI(cfg, eventBus, registry, store, relay, dispatcher)

	// ---------------------------------------------------------------
	// Launch all concurrent tasks
	// ---------------------------------------------------------------
	var wg sync.WaitGroup
	errCh := make(chan error, 10)

	// Task 1: stream-socket listener
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", node.StreamPort).Msg("starting stream listener")
		if err := tcpListener.Start(ctx); err != nil {
			log.Error().Err(err).Msg("stream listener failed")
			errCh <- fmt.Errorf("stream listener: %w", err)
		}
	}()

	// Task 2: message-socket listener
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", node.MessagePort()).Msg("starting message listener")
		if err := wsListener.Start(ctx); err != nil {
			log.Error().Err(err).Msg("message listener failed")
			errCh <- fmt.Errorf("message listener: %w", err)
		}
	}()

	// Task 3: REST API server
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", node.APIPort).Msg("starting REST API server")
		if err := apiServer.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("API server failed (non-fatal)")
		}
	}()

	// Task 4: cluster parent connection. Losing the parent disables
	// cluster features but never the node's own clients, so failures
	// stay out of errCh.
	if node.HasParent() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().
				Str("parent", node.ParentAddress).
				Int("port", node.ParentPort).
				Msg("starting cluster relay")
			if err := relay.Connect(ctx); err != nil {
				log.Warn().Err(err).Msg("cluster relay failed (non-fatal)")
			}
		}()
	}

	// Task 5: MQTT telemetry
	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	// Task 6: interactive CLI
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting interactive CLI")
		cliHandler.Start(ctx)
	}()

	// ---------------------------------------------------------------
	// Graceful shutdown handling
	// ---------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// The CLI's quit command requests shutdown through the bus.
	quitCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(ctx context.Context, e events.Event) error {
		select {
		case quitCh <- struct{}{}:
		default:
		}
		return nil
	})

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quitCh:
		log.Info().Msg("shutdown requested from CLI")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	// Cancel the root context to signal all goroutines
	cancel()
	tcpListener.Stop()
	wsListener.Stop()

	// Wait for all goroutines with timeout
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	if likesDB != nil {
		likesDB.Close()
	}

	// Stop the event bus last
	eventBus.Stop()

	log.Info().Msg("relaynode stopped")
}
