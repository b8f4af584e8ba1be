package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/api"
	"github.com/BTreeMap/OrderPipe/internal/flow"
	"github.com/BTreeMap/OrderPipe/internal/genai"
	"github.com/BTreeMap/OrderPipe/internal/messaging"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/scheduler"
	"github.com/BTreeMap/OrderPipe/internal/store"
	"github.com/BTreeMap/OrderPipe/internal/twiliowhatsapp"
)

var envKeys = []string{
	"ORDERPIPE_STATE_DIR", "DATABASE_URL", "OPENAI_API_KEY", "OPENAI_MODEL", "API_ADDR",
	"MESSAGING_BACKEND", "WAME_API_KEY", "WAME_BASE_URL", "WHATSAPP_DB_DSN", "DELIVERY_FEE",
	"DELIVERY_DELAY", "SEED_FILE", "LEDGER_RETENTION", "MAINTENANCE_CRON", "LOG_LEVEL", "OPENAI_DEBUG",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func flagsFrom(c Config) Flags {
	str := func(s string) *string { return &s }
	numeric := false
	return Flags{
		qrOutput:      str(""),
		numeric:       &numeric,
		stateDir:      str(c.StateDir),
		dbDSN:         str(c.DatabaseURL),
		openaiKey:     str(c.OpenAIKey),
		openaiModel:   str(c.OpenAIModel),
		apiAddr:       str(c.APIAddr),
		messaging:     str(c.Messaging),
		whatsappDSN:   str(c.WhatsAppDSN),
		deliveryFee:   str(c.DeliveryFee),
		deliveryDelay: str(c.DeliveryDelay),
		seedFile:      str(c.SeedFile),
		logLevel:      str(c.LogLevel),
	}
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearEnv(t)
	config := loadEnvironmentConfig()

	if config.StateDir != DefaultStateDir {
		t.Errorf("StateDir = %q, want %q", config.StateDir, DefaultStateDir)
	}
	if want := filepath.Join(DefaultStateDir, DefaultDBFileName); config.DatabaseURL != want {
		t.Errorf("DatabaseURL = %q, want %q", config.DatabaseURL, want)
	}
	if want := "file:" + filepath.Join(DefaultStateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"; config.WhatsAppDSN != want {
		t.Errorf("WhatsAppDSN = %q, want %q", config.WhatsAppDSN, want)
	}
	if config.Messaging != BackendWAMe || config.OpenAIModel != genai.DefaultModel || config.APIAddr != api.DefaultAddr {
		t.Errorf("unexpected defaults: %+v", config)
	}
	if config.MaintenanceCron != scheduler.DefaultMaintenanceCron || config.GenAIDebug {
		t.Errorf("unexpected housekeeping defaults: %+v", config)
	}
}

func TestLoadEnvironmentConfigCustomStateDir(t *testing.T) {
	clearEnv(t)
	dir := "/tmp/custom_orderpipe"
	t.Setenv("ORDERPIPE_STATE_DIR", dir)
	t.Setenv("OPENAI_DEBUG", "yes")

	config := loadEnvironmentConfig()
	if config.DatabaseURL != filepath.Join(dir, DefaultDBFileName) {
		t.Errorf("DatabaseURL = %q", config.DatabaseURL)
	}
	if !config.GenAIDebug {
		t.Error("OPENAI_DEBUG=yes not honored")
	}
}

func TestUsesStateDir(t *testing.T) {
	tests := []struct {
		dsn, backend string
		want         bool
	}{
		{"/var/lib/orderpipe/orderpipe.db", BackendWAMe, true},
		{"postgres://u:p@localhost/db", BackendWAMe, false},
		{"postgres://u:p@localhost/db", BackendWhatsmeow, true},
		{"host=localhost dbname=orders", BackendTwilio, false},
	}
	for _, tt := range tests {
		f := flagsFrom(Config{DatabaseURL: tt.dsn, Messaging: tt.backend})
		if got := usesStateDir(f); got != tt.want {
			t.Errorf("usesStateDir(%q, %s) = %v, want %v", tt.dsn, tt.backend, got, tt.want)
		}
	}
}

func TestBuildFlowOptions(t *testing.T) {
	f := flagsFrom(Config{OpenAIModel: "gpt-4o-mini", DeliveryFee: "7,50", DeliveryDelay: "2s"})
	opts, err := buildFlowOptions(f)
	if err != nil {
		t.Fatalf("buildFlowOptions: %v", err)
	}
	if len(opts) != 3 {
		t.Errorf("got %d options, want 3", len(opts))
	}

	for _, bad := range []Config{{DeliveryFee: "grátis"}, {DeliveryDelay: "soon"}} {
		if _, err := buildFlowOptions(flagsFrom(bad)); err == nil {
			t.Errorf("expected an error for %+v", bad)
		}
	}
}

func TestParseRetention(t *testing.T) {
	if d, err := parseRetention(""); err != nil || d != 0 {
		t.Errorf("empty = %v, %v", d, err)
	}
	if d, err := parseRetention("24h"); err != nil || d != 24*time.Hour {
		t.Errorf("24h = %v, %v", d, err)
	}
	if _, err := parseRetention("-1h"); !errors.Is(err, scheduler.ErrInvalidRetention) {
		t.Errorf("-1h err = %v", err)
	}
	if _, err := parseRetention("a week"); err == nil {
		t.Error("expected a parse error")
	}
}

func TestWAMeAPIKeyPrefersSystemConfig(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()

	if _, err := wameAPIKey(ctx, st, ""); !errors.Is(err, messaging.ErrMissingWAMeKey) {
		t.Errorf("err = %v, want ErrMissingWAMeKey", err)
	}
	if key, _ := wameAPIKey(ctx, st, "env-key"); key != "env-key" {
		t.Errorf("fallback key = %q", key)
	}
	if err := st.SetConfigValue(ctx, models.ConfigKeyWAMeAPIKey, "db-key"); err != nil {
		t.Fatal(err)
	}
	if key, _ := wameAPIKey(ctx, st, "env-key"); key != "db-key" {
		t.Errorf("key = %q, want db-key", key)
	}
}

func TestBuildMessaging(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()

	svc, apiOpts, err := buildMessaging(ctx, st, Config{WAMeAPIKey: "k"}, flagsFrom(Config{Messaging: BackendWAMe}))
	if err != nil {
		t.Fatalf("wame: %v", err)
	}
	if _, ok := svc.(*messaging.WAMeService); !ok || len(apiOpts) != 0 {
		t.Errorf("wame = %T with %d api options", svc, len(apiOpts))
	}

	_, _, err = buildMessaging(ctx, st, Config{}, flagsFrom(Config{Messaging: BackendTwilio}))
	if !errors.Is(err, twiliowhatsapp.ErrMissingCredentials) {
		t.Errorf("twilio without credentials err = %v", err)
	}

	twilioCfg := Config{TwilioSID: "AC123", TwilioToken: "token", TwilioFrom: "+15550001111"}
	svc, apiOpts, err = buildMessaging(ctx, st, twilioCfg, flagsFrom(Config{Messaging: BackendTwilio}))
	if err != nil {
		t.Fatalf("twilio: %v", err)
	}
	if _, ok := svc.(*messaging.TwilioService); !ok || len(apiOpts) != 1 {
		t.Errorf("twilio = %T with %d api options", svc, len(apiOpts))
	}

	if _, _, err := buildMessaging(ctx, st, Config{}, flagsFrom(Config{Messaging: "telegram"})); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("unknown backend err = %v", err)
	}
}

func TestConsumeInboundRoutesUntilClosed(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	msg := messaging.NewMockService()
	p := flow.New(st, nil, msg, nil, flow.WithDeliveryDelay(0))

	in := make(chan messaging.Inbound, 2)
	in <- messaging.Inbound{MessageID: "g1", IsGroup: true}
	in <- messaging.Inbound{MessageID: "o1", Phone: "5511999990701", Kind: messaging.KindOther}
	close(in)

	done := make(chan struct{})
	go func() {
		consumeInbound(ctx, in, p.Router)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumeInbound did not return after the channel closed")
	}

	if c, _ := st.GetCustomerByPhone(ctx, "5511999990701"); c == nil {
		t.Error("customer for the routed message was not created")
	}
}
