package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/OrderPipe/internal/api"
	"github.com/BTreeMap/OrderPipe/internal/flow"
	"github.com/BTreeMap/OrderPipe/internal/genai"
	"github.com/BTreeMap/OrderPipe/internal/lockfile"
	"github.com/BTreeMap/OrderPipe/internal/messaging"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/scheduler"
	"github.com/BTreeMap/OrderPipe/internal/seed"
	"github.com/BTreeMap/OrderPipe/internal/store"
	"github.com/BTreeMap/OrderPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/OrderPipe/internal/whatsapp"
)

var ErrUnknownBackend = errors.New("unknown messaging backend")

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, config Config, flags Flags) error {
	if usesStateDir(flags) {
		lock, err := lockfile.Acquire(*flags.stateDir, *flags.apiAddr)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.New(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if *flags.seedFile != "" {
		f, err := seed.Load(*flags.seedFile)
		if err != nil {
			return err
		}
		if _, err := seed.Apply(ctx, st, f); err != nil {
			return err
		}
	}

	model, err := genai.NewClient(buildGenAIOptions(config, flags)...)
	if err != nil {
		return fmt.Errorf("failed to create model client: %w", err)
	}

	svc, apiOpts, err := buildMessaging(ctx, st, config, flags)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging: %w", err)
	}
	defer svc.Stop()

	flowOpts, err := buildFlowOptions(flags)
	if err != nil {
		return err
	}
	runner := store.NewJobRunner(st, 0)
	pipeline := flow.New(st, model, svc, runner, flowOpts...)

	if err := runner.RecoverStaleJobs(ctx); err != nil {
		slog.Warn("failed to recover stale jobs", "error", err)
	}

	retention, err := parseRetention(config.LedgerRetention)
	if err != nil {
		return err
	}
	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddMaintenance(config.MaintenanceCron, st, retention); err != nil {
		return fmt.Errorf("invalid MAINTENANCE_CRON: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		runner.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		consumeInbound(ctx, svc.Inbound(), pipeline.Router)
	}()

	server := api.NewServer(pipeline, st, svc, append(buildAPIOptions(flags), apiOpts...)...)
	err = server.Run(ctx)
	// A failed listener must still stop the workers.
	cancel()
	wg.Wait()
	return err
}

// buildMessaging creates the configured channel. Twilio also contributes the
// route its inbound webhook is served on.
func buildMessaging(ctx context.Context, st store.ConfigRepo, config Config, flags Flags) (messaging.Service, []api.Option, error) {
	switch *flags.messaging {
	case BackendWAMe:
		key, err := wameAPIKey(ctx, st, config.WAMeAPIKey)
		if err != nil {
			return nil, nil, err
		}
		opts := []messaging.WAMeOption{messaging.WithWAMeAPIKey(key)}
		if config.WAMeBaseURL != "" {
			opts = append(opts, messaging.WithWAMeBaseURL(config.WAMeBaseURL))
		}
		svc, err := messaging.NewWAMeService(opts...)
		return svc, nil, err
	case BackendWhatsmeow:
		client, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	case BackendTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioSID),
			twiliowhatsapp.WithAuthToken(config.TwilioToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFrom),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		return svc, []api.Option{api.WithTwilioWebhook(svc.TwilioWebhookHandler)}, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownBackend, *flags.messaging)
	}
}

// wameAPIKey prefers the key stored in system config over the environment.
func wameAPIKey(ctx context.Context, st store.ConfigRepo, fallback string) (string, error) {
	key, err := st.GetConfigValue(ctx, models.ConfigKeyWAMeAPIKey)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", models.ConfigKeyWAMeAPIKey, err)
	}
	if key != "" {
		return key, nil
	}
	if fallback == "" {
		return "", messaging.ErrMissingWAMeKey
	}
	slog.Debug("wame_api_key not in system config, using WAME_API_KEY")
	return fallback, nil
}

// consumeInbound feeds channel-delivered messages into the router until the
// channel closes or ctx ends.
func consumeInbound(ctx context.Context, in <-chan messaging.Inbound, router *flow.InboundRouter) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			out, err := router.Handle(ctx, msg)
			if err != nil {
				slog.Error("inbound message failed", "message_id", msg.MessageID, "error", err)
				continue
			}
			if out.Ignored != "" {
				slog.Debug("inbound message ignored", "message_id", msg.MessageID, "reason", out.Ignored)
			}
		}
	}
}
