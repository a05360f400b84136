package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"API_FIRESTORE_PROJECT_ID": "td-dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.PubSub.ProjectID != "td-dev" {
		t.Errorf("expected pubsub project to default to firestore project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.Observability.TraceProjectID != "td-dev" {
		t.Errorf("expected trace project to default to firestore project, got %s", cfg.Observability.TraceProjectID)
	}
	if cfg.PubSub.OfferEventsTopic != defaultOfferEventsTopic {
		t.Errorf("unexpected topic %s", cfg.PubSub.OfferEventsTopic)
	}
	if cfg.Offers.ProductLimit != 3 || cfg.Offers.SupplierLimit != 5 {
		t.Errorf("unexpected offer limits %d/%d", cfg.Offers.ProductLimit, cfg.Offers.SupplierLimit)
	}
	if cfg.Offers.LoadAttempts != 3 || cfg.Offers.LoadBackoff != 10*time.Millisecond {
		t.Errorf("unexpected load policy %d/%s", cfg.Offers.LoadAttempts, cfg.Offers.LoadBackoff)
	}
	if cfg.Offers.PurchaseWindow != 24*time.Hour || cfg.Offers.ResponseWindow != 48*time.Hour {
		t.Errorf("unexpected windows %s/%s", cfg.Offers.PurchaseWindow, cfg.Offers.ResponseWindow)
	}
	if cfg.Pricing.TierCacheTTL != 5*time.Minute {
		t.Errorf("unexpected tier cache ttl %s", cfg.Pricing.TierCacheTTL)
	}
	if cfg.Offers.CallTimeout != 30*time.Second {
		t.Errorf("unexpected shared call timeout %s", cfg.Offers.CallTimeout)
	}
	if cfg.Redis.URL != "" {
		t.Errorf("expected redis disabled by default, got %s", cfg.Redis.URL)
	}
	if cfg.Offers.CreateRateLimit != 10 || cfg.Offers.CreateRateWindow != time.Minute {
		t.Errorf("unexpected create rate limit %d/%s", cfg.Offers.CreateRateLimit, cfg.Offers.CreateRateWindow)
	}
}

func TestLoadWithOverrides(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                       "9090",
		"API_SERVER_WRITE_TIMEOUT":              "25s",
		"API_FIRESTORE_PROJECT_ID":              "td-prod",
		"API_FIRESTORE_EMULATOR_HOST":           "localhost:8081",
		"API_PUBSUB_PROJECT_ID":                 "td-events",
		"API_PUBSUB_OFFER_EVENTS_TOPIC":         "offers",
		"API_PUBSUB_OFFER_CHANGES_SUBSCRIPTION": "offers-changes",
		"API_REDIS_URL":                         "redis://localhost:6379/2",
		"API_OFFERS_PRODUCT_LIMIT":              "10",
		"API_OFFERS_LOAD_BACKOFF":               "50ms",
		"API_PRICING_TIER_CACHE_TTL":            "1m",
		"API_TRACE_PROJECT_ID":                  "td-trace",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "9090" || cfg.Server.WriteTimeout != 25*time.Second {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Firestore.EmulatorHost != "localhost:8081" {
		t.Errorf("unexpected emulator host %s", cfg.Firestore.EmulatorHost)
	}
	if cfg.PubSub.ProjectID != "td-events" || cfg.PubSub.OfferEventsTopic != "offers" || cfg.PubSub.OfferChangesSub != "offers-changes" {
		t.Errorf("unexpected pubsub config %+v", cfg.PubSub)
	}
	if cfg.Redis.URL != "redis://localhost:6379/2" {
		t.Errorf("unexpected redis url %s", cfg.Redis.URL)
	}
	if cfg.Offers.ProductLimit != 10 || cfg.Offers.LoadBackoff != 50*time.Millisecond {
		t.Errorf("unexpected offers config %+v", cfg.Offers)
	}
	if cfg.Pricing.TierCacheTTL != time.Minute {
		t.Errorf("unexpected tier cache ttl %s", cfg.Pricing.TierCacheTTL)
	}
	if cfg.Observability.TraceProjectID != "td-trace" {
		t.Errorf("unexpected trace project %s", cfg.Observability.TraceProjectID)
	}
}

func TestLoadPolicyFileLosesToEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	content := "offers:\n  product_limit: 7\n  supplier_limit: 9\n  purchase_window: 12h\n  load_attempts: 5\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	env := map[string]string{
		"API_FIRESTORE_PROJECT_ID":  "td-dev",
		"API_OFFERS_POLICY_FILE":    path,
		"API_OFFERS_SUPPLIER_LIMIT": "2",
	}
	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Offers.ProductLimit != 7 {
		t.Errorf("expected policy product limit, got %d", cfg.Offers.ProductLimit)
	}
	if cfg.Offers.SupplierLimit != 2 {
		t.Errorf("expected env supplier limit, got %d", cfg.Offers.SupplierLimit)
	}
	if cfg.Offers.PurchaseWindow != 12*time.Hour {
		t.Errorf("expected policy purchase window, got %s", cfg.Offers.PurchaseWindow)
	}
	if cfg.Offers.LoadAttempts != 5 {
		t.Errorf("expected policy load attempts, got %d", cfg.Offers.LoadAttempts)
	}
	if cfg.Offers.ResponseWindow != 48*time.Hour {
		t.Errorf("expected default response window, got %s", cfg.Offers.ResponseWindow)
	}
	if cfg.Offers.PolicyFile != path {
		t.Errorf("expected policy path recorded, got %s", cfg.Offers.PolicyFile)
	}
}

func TestLoadPolicyFileInvalidDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("offers:\n  cache_ttl: soon\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	env := map[string]string{
		"API_FIRESTORE_PROJECT_ID": "td-dev",
		"API_OFFERS_POLICY_FILE":   path,
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if fields := vErr.Fields(); len(fields) != 1 || fields[0] != "offers.cache_ttl" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestLoadMissingPolicyFile(t *testing.T) {
	env := map[string]string{
		"API_FIRESTORE_PROJECT_ID": "td-dev",
		"API_OFFERS_POLICY_FILE":   filepath.Join(t.TempDir(), "absent.yaml"),
	}
	if _, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile("")); err == nil {
		t.Fatalf("expected error for missing policy file")
	}
}

func TestLoadValidationError(t *testing.T) {
	env := map[string]string{
		"API_OFFERS_PRODUCT_LIMIT": "0",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	fields := vErr.Fields()
	want := map[string]bool{"Firestore.ProjectID": true, "Offers.ProductLimit": true}
	if len(fields) != len(want) {
		t.Fatalf("unexpected fields %v", fields)
	}
	for _, f := range fields {
		if !want[f] {
			t.Fatalf("unexpected field %s", f)
		}
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# local overrides\nexport API_FIRESTORE_PROJECT_ID=\"td-local\"\nAPI_SERVER_PORT=7070\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}

	cfg, err := Load(context.Background(),
		WithEnvFile(path),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{"API_SERVER_PORT": "6060"}),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Firestore.ProjectID != "td-local" {
		t.Errorf("expected dotenv project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Server.Port != "6060" {
		t.Errorf("expected env map to win, got %s", cfg.Server.Port)
	}
}
