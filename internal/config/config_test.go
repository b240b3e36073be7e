package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("HISTORY_DRIVER", "")
	t.Setenv("QUEUE_DRIVER", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.History.Driver != HistoryDriverSQLite {
		t.Errorf("History.Driver = %q, want sqlite without a DSN", cfg.History.Driver)
	}
	if cfg.History.Limit != 50 {
		t.Errorf("History.Limit = %d, want 50", cfg.History.Limit)
	}
	if cfg.Queue.Driver != QueueDriverNATS {
		t.Errorf("Queue.Driver = %q, want nats", cfg.Queue.Driver)
	}
	if got := cfg.Presence.Lease(); got != 30*time.Second {
		t.Errorf("Presence.Lease() = %v, want 30s", got)
	}
	if got := cfg.Retry.Initial(); got != 250*time.Millisecond {
		t.Errorf("Retry.Initial() = %v, want 250ms", got)
	}
}

func TestLoadPostgresWhenDSNSet(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/fieldops")
	t.Setenv("HISTORY_DRIVER", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.History.Driver != HistoryDriverPostgres {
		t.Errorf("History.Driver = %q, want postgres", cfg.History.Driver)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"postgres without dsn", map[string]string{"HISTORY_DRIVER": "postgres", "POSTGRES_DSN": ""}},
		{"unknown history driver", map[string]string{"HISTORY_DRIVER": "mongo"}},
		{"unknown queue driver", map[string]string{"QUEUE_DRIVER": "kafka"}},
		{"root with separator", map[string]string{"PRESENCE_ROOT": "staff/x"}},
		{"bad redis db", map[string]string{"REDIS_DB": "one"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestHistoryLimitClamped(t *testing.T) {
	t.Setenv("HISTORY_LIMIT", "500")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.History.Limit != 50 {
		t.Errorf("History.Limit = %d, want 50", cfg.History.Limit)
	}
}

func TestRetryBackOff(t *testing.T) {
	r := RetryConfig{InitialMs: 100, MaxMs: 400, Multiplier: 2}
	b := r.BackOff()
	if b.MaxElapsedTime != 0 {
		t.Fatalf("MaxElapsedTime = %v, want unlimited", b.MaxElapsedTime)
	}
	for i := 0; i < 10; i++ {
		d := b.NextBackOff()
		// randomization may push an interval up to 50% above the cap
		if d <= 0 || d > 600*time.Millisecond {
			t.Fatalf("NextBackOff() = %v out of range", d)
		}
	}
}
