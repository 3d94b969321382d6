package storage

import (
	"strings"
	"testing"
	"time"
)

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	if cfg.SchemaName != "datasetd" {
		t.Fatalf("unexpected schema name: %s", cfg.SchemaName)
	}
	if cfg.MaxOpenConns != DefaultMaxOpenConns {
		t.Fatalf("unexpected max open conns: %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != DefaultMaxIdleConns {
		t.Fatalf("unexpected max idle conns: %d", cfg.MaxIdleConns)
	}
	if cfg.AcquireTimeout != DefaultAcquireTimeout {
		t.Fatalf("unexpected acquire timeout: %v", cfg.AcquireTimeout)
	}
	if cfg.ConnMaxLifetime != 30*time.Minute {
		t.Fatalf("unexpected conn lifetime: %v", cfg.ConnMaxLifetime)
	}
}

func TestConfigWithDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		SchemaName:     "custom",
		MaxOpenConns:   3,
		MaxIdleConns:   2,
		AcquireTimeout: time.Second,
	}.withDefaults()

	if cfg.SchemaName != "custom" || cfg.MaxOpenConns != 3 || cfg.MaxIdleConns != 2 {
		t.Fatalf("explicit values overridden: %+v", cfg)
	}
	if cfg.AcquireTimeout != time.Second {
		t.Fatalf("explicit timeout overridden: %v", cfg.AcquireTimeout)
	}
}

func TestSchemaDDLTargetsSchema(t *testing.T) {
	ddl := schemaDDL("datasetd")

	for _, table := range []string{
		"datasetd.datasets",
		"datasetd.dataset_documents",
		"datasetd.inbox_messages",
		"datasetd.outbox_messages",
		"datasetd.dead_letter_queue",
	} {
		if !strings.Contains(ddl, table) {
			t.Errorf("DDL missing table %s", table)
		}
	}

	if !strings.Contains(ddl, "WHERE published_at IS NULL") {
		t.Error("outbox partial index missing")
	}
	if strings.Count(ddl, "CREATE TABLE IF NOT EXISTS") != 5 {
		t.Error("expected five tables")
	}
}

func TestOpenValidatesPoolCaps(t *testing.T) {
	store, err := Open(Config{URL: "postgres://user:pw@localhost:5432/db?sslmode=disable"}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	stats := store.DB().Stats()
	if stats.MaxOpenConnections != DefaultMaxOpenConns {
		t.Fatalf("pool cap not applied: %d", stats.MaxOpenConnections)
	}
}
