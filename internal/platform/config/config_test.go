package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func load(t *testing.T, env map[string]string, opts ...Option) (Config, error) {
	t.Helper()
	base := []Option{WithEnvMap(env), WithoutSystemEnv(), WithEnvFile("")}
	return Load(context.Background(), append(base, opts...)...)
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := load(t, map[string]string{"API_FIREBASE_PROJECT_ID": "medinow-dev"})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Store != StoreFirestore {
		t.Errorf("expected firestore store, got %s", cfg.Store)
	}
	if cfg.Firestore.ProjectID != "medinow-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Checkout.DefaultCurrency != "USD" {
		t.Errorf("expected USD, got %s", cfg.Checkout.DefaultCurrency)
	}
	if cfg.Notifications.Driver != NotifyInline || cfg.Notifications.MaxAttempts != 3 {
		t.Errorf("unexpected notification defaults: %+v", cfg.Notifications)
	}
	if len(cfg.OIDC.Issuers) != 2 {
		t.Errorf("expected default issuers, got %v", cfg.OIDC.Issuers)
	}
	if cfg.StripeConfigured() {
		t.Errorf("stripe should be unconfigured without keys")
	}
}

func TestLoadResolvesSecrets(t *testing.T) {
	env := map[string]string{
		"API_ORDERS_STORE":          "memory",
		"API_STRIPE_SECRET_KEY":     "secret://stripe/api",
		"API_STRIPE_WEBHOOK_SECRET": "sm://stripe/webhook",
		"API_STRIPE_TIMEOUT":        "3s",
		"API_DEFAULT_CURRENCY":      "eur",
	}
	var refs []string
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		refs = append(refs, ref)
		return " resolved:" + ref + " ", nil
	})

	cfg, err := load(t, env, WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Stripe.SecretKey != "resolved:secret://stripe/api" {
		t.Errorf("unexpected secret key %q", cfg.Stripe.SecretKey)
	}
	if cfg.Stripe.WebhookSecret != "resolved:secret://stripe/webhook" {
		t.Errorf("sm:// reference should normalise, got %q", cfg.Stripe.WebhookSecret)
	}
	if len(refs) != 2 {
		t.Errorf("expected two resolutions, got %v", refs)
	}
	if cfg.Stripe.Timeout != 3*time.Second || cfg.Checkout.DefaultCurrency != "EUR" {
		t.Errorf("unexpected overrides: %+v %+v", cfg.Stripe, cfg.Checkout)
	}
	if !cfg.StripeConfigured() {
		t.Errorf("expected stripe configured")
	}
}

func TestLoadSecretWithoutResolver(t *testing.T) {
	_, err := load(t, map[string]string{
		"API_ORDERS_STORE":      "memory",
		"API_STRIPE_SECRET_KEY": "secret://stripe/api",
	})
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %v", err)
	}
	if !errors.Is(err, errSecretResolverNotConfigured) {
		t.Fatalf("expected unwrap to resolver error, got %v", err)
	}
}

func TestLoadValidation(t *testing.T) {
	_, err := load(t, map[string]string{
		"API_ORDERS_STORE":               "postgres",
		"API_NOTIFICATIONS_DRIVER":       "kafka",
		"API_NOTIFICATIONS_MAX_ATTEMPTS": "0",
		"API_CHECKOUT_SUCCESS_URL":       "/relative",
		"API_DEFAULT_CURRENCY":           "dollars",
	})
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := []string{
		"Checkout.DefaultCurrency",
		"Checkout.SuccessURL",
		"Notifications.KafkaBrokers",
		"Notifications.MaxAttempts",
		"Store",
	}
	got := validation.Fields()
	if len(got) != len(want) {
		t.Fatalf("fields = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fields = %v, want %v", got, want)
		}
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "# local\nexport API_SERVER_PORT=7000\nAPI_ORDERS_STORE=\"memory\"\nAPI_KAFKA_BROKERS=a:9092, b:9092\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}

	cfg, err := Load(context.Background(),
		WithEnvFile(envFile),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{"API_SERVER_PORT": "9000"}),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "9000" {
		t.Errorf("explicit map should win, got %s", cfg.Server.Port)
	}
	if cfg.Store != StoreMemory {
		t.Errorf("dotenv value should apply, got %s", cfg.Store)
	}
	if len(cfg.Notifications.KafkaBrokers) != 2 || cfg.Notifications.KafkaBrokers[1] != "b:9092" {
		t.Errorf("unexpected brokers %v", cfg.Notifications.KafkaBrokers)
	}

	values, err := EnvironmentValues(WithEnvFile(envFile), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("EnvironmentValues: %v", err)
	}
	if values["API_SERVER_PORT"] != "7000" {
		t.Errorf("expected dotenv port in environment values, got %q", values["API_SERVER_PORT"])
	}
}
