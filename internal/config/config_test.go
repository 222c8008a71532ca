package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Settings.DepositDaysDue != 10 || cfg.Settings.BalanceDaysDue != 30 {
		t.Fatalf("schedule offsets = %+v", cfg.Settings)
	}
	if cfg.OrderPrefix != "ORD-" {
		t.Fatalf("order prefix = %q", cfg.OrderPrefix)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	body := []byte(`
store_driver: memory
kafka_brokers: [a:9092, b:9092]
lock_ttl: 3s
settings:
  deposit_days_due: 5
  balance_days_due: 20
  shipping_days_due: 2
products:
  - id: p1
    name: Chest freezer
    minimum_order_quantity: 12
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("BALANCE_DAYS_DUE", "45")
	t.Setenv("KAFKA_BROKERS", "c:9092, d:9092 ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreDriver != "memory" {
		t.Fatalf("store driver = %q", cfg.StoreDriver)
	}
	if cfg.LockTTL != 3*time.Second {
		t.Fatalf("lock ttl = %v", cfg.LockTTL)
	}
	if cfg.Settings.DepositDaysDue != 5 || cfg.Settings.BalanceDaysDue != 45 {
		t.Fatalf("settings = %+v", cfg.Settings)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "d:9092" {
		t.Fatalf("brokers = %v", cfg.KafkaBrokers)
	}
	if len(cfg.Products) != 1 || cfg.Products[0].MinimumOrderQuantity != 12 {
		t.Fatalf("products = %+v", cfg.Products)
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := Defaults()
	cfg.StoreDriver = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error")
	}
}
