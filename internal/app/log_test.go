package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLineHandler_Format(t *testing.T) {
	at := time.Date(2025, 11, 3, 22, 4, 5, 0, time.FixedZone("CET", 3600))

	tests := []struct {
		name  string
		level slog.Level
		msg   string
		attrs []slog.Attr
		want  string
	}{
		{
			name:  "message only, timestamp in UTC",
			level: slog.LevelInfo,
			msg:   "backup created",
			want:  "2025-11-03T21:04:05Z\tINFO\t20251103T210405Z\tbackup created\n",
		},
		{
			name:  "record attrs",
			level: slog.LevelWarn,
			msg:   "source unreadable",
			attrs: []slog.Attr{slog.String("path", "docs/locked.db"), slog.Int("errno", 13)},
			want:  "2025-11-03T21:04:05Z\tWARN\t20251103T210405Z\tsource unreadable\tpath=docs/locked.db\terrno=13\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := newLineHandler("20251103T210405Z", sink{w: &buf, min: slog.LevelDebug})

			r := slog.NewRecord(at, tt.level, tt.msg, 0)
			r.AddAttrs(tt.attrs...)
			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() wrote\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}

func TestLineHandler_AttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	base := newLineHandler("op", sink{w: &buf, min: slog.LevelDebug})
	logger := slog.New(base)

	logger.With("backup", 7).WithGroup("vault").With("type", "s3").Info("uploaded", "key", "objects/ab/cd")
	logger.Info("plain")

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}
	for _, want := range []string{"\tbackup=7", "\tvault.type=s3", "\tvault.key=objects/ab/cd"} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("line %q missing %q", lines[0], want)
		}
	}
	if strings.Count(lines[1], "=") != 0 {
		t.Errorf("derived loggers leaked attrs into the base: %q", lines[1])
	}
	if len(base.attrs) != 0 || base.prefix != "" {
		t.Error("With/WithGroup modified the base handler")
	}
}

func TestLineHandler_Sinks(t *testing.T) {
	var file, console bytes.Buffer
	h := newLineHandler("op", sink{w: &file, min: slog.LevelInfo}, sink{w: &console, min: slog.LevelWarn})
	logger := slog.New(h)

	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Enabled(DEBUG) = true with an INFO floor")
	}

	logger.Debug("dropped")
	logger.Info("file only")
	logger.Error("both")

	if got := strings.Count(file.String(), "\n"); got != 2 {
		t.Errorf("file sink got %d lines, want 2: %q", got, file.String())
	}
	if strings.Contains(console.String(), "file only") || !strings.Contains(console.String(), "both") {
		t.Errorf("console sink = %q, want only the error", console.String())
	}
}

func TestLineHandler_ConcurrentLinesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newLineHandler("op", sink{w: &buf, min: slog.LevelInfo}))

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("restored", "worker", i, "path", strings.Repeat("x", 200))
		}()
	}
	wg.Wait()

	for _, line := range strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n") {
		if !strings.HasSuffix(line, strings.Repeat("x", 200)) || strings.Count(line, "\trestored\t") != 1 {
			t.Fatalf("interleaved line: %q", line)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{"": slog.LevelInfo, "debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError}
	for in, want := range tests {
		got, err := parseLevel(in)
		if err != nil || got != want {
			t.Errorf("parseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := parseLevel("loud"); err == nil {
		t.Error("parseLevel(loud) error = nil")
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")

	logger, f, err := newLogger(dir, "20260101T000000Z", "debug")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer f.Close()

	logger.Debug("walk started", "root", "/home/ana")
	data, err := os.ReadFile(filepath.Join(dir, "recov.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "\t20260101T000000Z\twalk started\troot=/home/ana\n") {
		t.Errorf("log file = %q", data)
	}

	if _, _, err := newLogger(dir, "x", "chatty"); err == nil {
		t.Error("newLogger() accepted an unknown level")
	}
}
