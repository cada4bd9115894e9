package pg

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4"
)

type fixedVersion struct {
	version uint
	dirty   bool
	err     error
}

func (f fixedVersion) Version() (uint, bool, error) { return f.version, f.dirty, f.err }

func TestLogSchemaVersion(t *testing.T) {
	tests := []struct {
		name    string
		m       fixedVersion
		want    string
		notWant string
	}{
		{"ready", fixedVersion{version: 2}, "version=2", "unavailable"},
		{"nil_version", fixedVersion{err: migrate.ErrNilVersion}, "no migration", "schema ready"},
		{"query_failed", fixedVersion{err: errors.New("conn reset")}, "conn reset", "schema ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			prev := slog.Default()
			slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
			defer slog.SetDefault(prev)

			logSchemaVersion(tt.m)

			out := buf.String()
			if !strings.Contains(out, tt.want) || strings.Contains(out, tt.notWant) {
				t.Errorf("log = %q, want %q and not %q", out, tt.want, tt.notWant)
			}
		})
	}
}
