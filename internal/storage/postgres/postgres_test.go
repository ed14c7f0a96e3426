package postgres

import (
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestWithApplicationName(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
		want string
	}{
		{"keyword", "host=db user=bench dbname=runs", "host=db user=bench dbname=runs application_name=agentbench"},
		{"keyword already named", "host=db application_name=ci", "host=db application_name=ci"},
		{"empty", "", "application_name=agentbench"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := withApplicationName(tt.dsn, "agentbench")
			if err != nil {
				t.Fatalf("withApplicationName: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithApplicationName_URL(t *testing.T) {
	got, err := withApplicationName("postgres://bench:secret@db:5432/runs?sslmode=disable", "agentbench")
	if err != nil {
		t.Fatalf("withApplicationName: %v", err)
	}
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parsing result %q: %v", got, err)
	}
	q := u.Query()
	if q.Get("application_name") != "agentbench" || q.Get("sslmode") != "disable" {
		t.Errorf("query = %v", q)
	}
	if u.Host != "db:5432" || u.Path != "/runs" {
		t.Errorf("url = %s", got)
	}

	kept, err := withApplicationName("postgresql://db/runs?application_name=ci", "agentbench")
	if err != nil {
		t.Fatalf("withApplicationName: %v", err)
	}
	if !strings.Contains(kept, "application_name=ci") || strings.Contains(kept, "agentbench") {
		t.Errorf("existing application_name overwritten: %s", kept)
	}

	if _, err := withApplicationName("postgres://db:bad port/runs", "agentbench"); err == nil {
		t.Error("expected error for malformed URL")
	}
}

func TestConfig_Defaults(t *testing.T) {
	c := Config{DSN: "host=db"}.withDefaults()
	if c.ApplicationName != "agentbench" || c.MaxOpenConns != 4 || c.MaxIdleConns != 2 {
		t.Errorf("defaults = %+v", c)
	}
	if c.ConnMaxLifetime != 30*time.Minute || c.ConnectTimeout != 10*time.Second {
		t.Errorf("durations = %+v", c)
	}

	c = Config{MaxOpenConns: 1, MaxIdleConns: 5}.withDefaults()
	if c.MaxIdleConns != 1 {
		t.Errorf("MaxIdleConns = %d, want capped at MaxOpenConns", c.MaxIdleConns)
	}
}

func TestOpen_RequiresDSN(t *testing.T) {
	if _, err := Open(Config{}, slog.New(slog.DiscardHandler)); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
