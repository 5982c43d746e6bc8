// Command brenda runs the Brenda WhatsApp sales agent: it receives messages
// over WhatsApp (whatsmeow) or Twilio, routes them through the conversational
// flow machine and delivers validated replies.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/api"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/catalog"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/classifier"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/flow"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/genai"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/keylock"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/lockfile"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/messaging"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/orchestrator"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/store"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/twiliowhatsapp"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/whatsapp"
)

const (
	reconcileInterval  = 10 * time.Minute
	outboxPollInterval = 2 * time.Second
)

func main() {
	cfg := loadEnvironmentConfig()
	cfg, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], cfg)
	if err != nil {
		os.Exit(2)
	}
	initializeLogger(cfg.LogLevel)

	if err := cfg.validate(); err != nil {
		slog.Error("main: invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("main: Brenda failed", "error", err)
		os.Exit(1)
	}
	slog.Info("main: Brenda exited")
}

// initializeLogger sets up structured logging at the configured level.
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func run(ctx context.Context, cfg Config) error {
	slog.Debug("run: configuration", "stateDir", cfg.StateDir, "transport", cfg.Transport, "apiAddr", cfg.APIAddr,
		"openaiKeySet", cfg.OpenAIKey != "", "redisSet", cfg.RedisAddr != "", "catalogFile", cfg.CatalogFile)

	lock, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(store.WithDSN(cfg.DatabaseURL))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	detector, err := loadCatalog(ctx, cfg.CatalogFile, st)
	if err != nil {
		return err
	}
	facts := catalog.NewResilientProvider(st, 0, 0)

	locker, closeLocker, err := buildLocker(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer closeLocker()

	deps := flow.Dependencies{
		States:   st,
		Facts:    facts,
		Locker:   locker,
		Detector: detector,
	}
	if err := attachReasoning(&deps, cfg, st, facts); err != nil {
		return err
	}
	machine := flow.NewMachine(deps,
		flow.WithPrivacyMaxAttempts(cfg.PrivacyMaxAttempts),
		flow.WithTurnWindow(cfg.TurnWindow),
	)

	svc, apiOpts, err := buildTransport(cfg)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	dispatchOpts := []messaging.DispatcherOption{
		messaging.WithMessageTimeout(cfg.MessageTimeout),
		messaging.WithDedup(st),
	}
	var outbox *store.OutboxSender
	if repo, ok := st.(store.OutboxRepo); ok {
		outbox = store.NewOutboxSender(repo, func(ctx context.Context, msg models.OutboundMessage) error {
			return messaging.Deliver(ctx, svc, msg)
		}, outboxPollInterval)
		if err := outbox.RecoverStaleMessages(ctx); err != nil {
			slog.Warn("run: outbox recovery failed", "error", err)
		}
		dispatchOpts = append(dispatchOpts, messaging.WithOutbox(outbox))
	}
	dispatcher := messaging.NewDispatcher(machine, svc, dispatchOpts...)

	apiOpts = append(apiOpts,
		api.WithAddr(cfg.APIAddr),
		api.WithHealthCheck("store", func(ctx context.Context) error {
			_, err := st.GetUserState(ctx, "healthcheck")
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}),
	)
	server := api.NewServer(st, apiOpts...)
	reconciler := store.NewReconciler(st, st, store.LockFunc(keylock.LockFunc(locker)), reconcileInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { dispatcher.Run(gctx, svc.Inbound()); return nil })
	g.Go(func() error { reconciler.Run(gctx); return nil })
	g.Go(func() error { drainReceipts(gctx, svc.Receipts()); return nil })
	if outbox != nil {
		g.Go(func() error { outbox.Run(gctx); return nil })
	}
	g.Go(func() error {
		<-gctx.Done()
		return svc.Stop()
	})

	slog.Info("run: Brenda started", "transport", cfg.Transport, "apiAddr", cfg.APIAddr)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loadCatalog seeds courses and builds the campaign detector. Without a
// catalog file the store's existing courses are used and no campaigns exist.
func loadCatalog(ctx context.Context, path string, st store.Store) (*catalog.Detector, error) {
	if path == "" {
		slog.Info("loadCatalog: no catalog file, campaign detection disabled")
		return catalog.NewDetector(nil), nil
	}
	file, err := catalog.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := file.Seed(ctx, st); err != nil {
		return nil, err
	}
	slog.Info("loadCatalog: catalog loaded", "path", path, "courses", len(file.Courses), "campaigns", len(file.Campaigns))
	return catalog.NewDetector(file.Campaigns), nil
}

func buildLocker(ctx context.Context, redisAddr string) (keylock.Locker, func(), error) {
	if redisAddr == "" {
		return keylock.NewLocal(), func() {}, nil
	}
	r, err := keylock.DialRedis(ctx, redisAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis %s: %w", redisAddr, err)
	}
	slog.Info("buildLocker: using redis user locks", "addr", redisAddr)
	return r, func() { _ = r.Close() }, nil
}

// attachReasoning wires the classifier and orchestrator when an API key is
// configured. Interface fields stay nil otherwise so the flows take their
// deterministic paths.
func attachReasoning(deps *flow.Dependencies, cfg Config, st store.Store, facts catalog.FactProvider) error {
	if cfg.OpenAIKey == "" {
		slog.Warn("attachReasoning: OPENAI_API_KEY not set, running without classifier and assistant")
		return nil
	}
	opts := []genai.Option{genai.WithAPIKey(cfg.OpenAIKey)}
	if cfg.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(cfg.OpenAIModel))
	}
	if cfg.OpenAIAssistantID != "" {
		opts = append(opts, genai.WithAssistantID(cfg.OpenAIAssistantID))
	}
	if cfg.OpenAIRPS > 0 {
		opts = append(opts, genai.WithRateLimit(cfg.OpenAIRPS, 1))
	}
	client, err := genai.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("create genai client: %w", err)
	}
	deps.Classifier = classifier.New(client)
	if cfg.OpenAIAssistantID == "" {
		slog.Warn("attachReasoning: OPENAI_ASSISTANT_ID not set, general agent uses fallback replies")
		return nil
	}
	deps.Orchestrator = orchestrator.New(client, st, facts,
		orchestrator.WithTimeout(cfg.RunTimeout),
		orchestrator.WithPollInterval(cfg.RunPollInterval, orchestrator.DefaultMaxPollInterval),
	)
	return nil
}

// buildTransport creates the messaging service and any API options it needs.
func buildTransport(cfg Config) (messaging.Service, []api.Option, error) {
	switch cfg.Transport {
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFrom),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("create twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		return svc, []api.Option{api.WithTwilioWebhook(svc.TwilioWebhookHandler)}, nil
	default:
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsAppDSN)}
		if cfg.QRPath != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(cfg.QRPath))
		}
		if cfg.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create whatsapp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	}
}

// drainReceipts logs delivery receipts so the channel never fills.
func drainReceipts(ctx context.Context, receipts <-chan models.Receipt) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-receipts:
			if !ok {
				return
			}
			slog.Debug("drainReceipts: receipt", "to", r.To, "status", r.Status)
		}
	}
}
