package logger

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWritesJSONWithServiceField(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Service: "payoutctl", Out: &buf})

	log.Debug().Str("period", "2026-W42").Msg("batch started")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if entry["service"] != "payoutctl" || entry["period"] != "2026-W42" || entry["level"] != "debug" {
		t.Errorf("entry = %v", entry)
	}
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Out: &buf})

	log.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}

	log.Warn().Msg("kept")
	if buf.Len() == 0 {
		t.Fatal("warn not written")
	}
}

func TestNewDefaultsUnknownLevelToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "loud", Out: &buf})

	log.Debug().Msg("dropped")
	log.Info().Msg("kept")
	if bytes.Count(buf.Bytes(), []byte("\n")) != 1 {
		t.Errorf("output = %q", buf.String())
	}
}
