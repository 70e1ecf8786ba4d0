package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/assistd/internal/config"
	"github.com/tjfontaine/assistd/internal/domain"
	"github.com/tjfontaine/assistd/internal/lifecycle"
	"github.com/tjfontaine/assistd/internal/provider"
	openaiprovider "github.com/tjfontaine/assistd/internal/provider/openai"
	"github.com/tjfontaine/assistd/internal/storage"
	"github.com/tjfontaine/assistd/internal/storage/memory"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Host: "127.0.0.1", Port: 0, LifecycleDir: ".assistd"},
		Provider: config.ProviderConfig{Type: "openai", APIKey: "sk-test"},
		Model:    config.ModelConfig{ID: "gpt-4o-mini"},
		Storage:  config.StorageConfig{Type: "memory"},
	}
}

func TestBuildComponents(t *testing.T) {
	reg := provider.NewRegistry()
	openaiprovider.Register(reg)

	c, err := buildComponents(context.Background(), testConfig(), reg)
	if err != nil {
		t.Fatalf("buildComponents() error = %v", err)
	}
	defer c.store.Close()

	if c.provider == nil || c.builder == nil || c.store == nil {
		t.Fatalf("components = %+v", c)
	}
	if got := c.builder.Resolver().Classify("gpt-4o").Family; got != provider.FamilyResponses {
		t.Errorf("family = %s", got)
	}
}

func TestBuildComponents_ValidationFailure(t *testing.T) {
	reg := provider.NewRegistry()
	openaiprovider.Register(reg)

	cfg := testConfig()
	cfg.Provider.APIKey = ""

	_, err := buildComponents(context.Background(), cfg, reg)
	var verr *config.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if !strings.Contains(err.Error(), "credential") {
		t.Errorf("error = %q", err)
	}
}

func TestBuildComponents_UnknownProvider(t *testing.T) {
	reg := provider.NewRegistry()
	openaiprovider.Register(reg)

	cfg := testConfig()
	cfg.Provider.Type = "carrier-pigeon"

	if _, err := buildComponents(context.Background(), cfg, reg); err == nil || !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Errorf("error = %v", err)
	}
}

func TestBuildComponents_RegistryFailure(t *testing.T) {
	reg := provider.NewRegistry()
	openaiprovider.Register(reg)
	openaiprovider.Register(reg) // duplicates are recorded as failures

	if _, err := buildComponents(context.Background(), testConfig(), reg); err == nil {
		t.Error("buildComponents() succeeded with a failed registration")
	}
}

func TestBuildComponents_Cancelled(t *testing.T) {
	reg := provider.NewRegistry()
	openaiprovider.Register(reg)

	cfg := testConfig()
	cfg.Storage = config.StorageConfig{Type: "sqlite", Path: filepath.Join(t.TempDir(), "interactions.db")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := buildComponents(ctx, cfg, reg); !errors.Is(err, context.Canceled) {
		t.Errorf("buildComponents() error = %v, want context.Canceled", err)
	}
}

func TestStartup_LateComponentsReleased(t *testing.T) {
	var st startup
	if !st.offer(&components{store: memory.New()}) {
		t.Fatal("offer() before finish was refused")
	}
	if st.finish() == nil {
		t.Fatal("finish() lost the offered components")
	}

	late := &closeCounter{}
	if st.offer(&components{store: late}) {
		t.Error("offer() after finish was accepted")
	}
	if late.closed != 1 {
		t.Errorf("late store closed %d times, want 1", late.closed)
	}
}

type closeCounter struct {
	storage.Nop
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func TestOpenStore(t *testing.T) {
	tests := []struct {
		cfg  config.StorageConfig
		want string
	}{
		{config.StorageConfig{Type: "memory"}, "*memory.Store"},
		{config.StorageConfig{Type: "none"}, "storage.Nop"},
		{config.StorageConfig{Type: "sqlite", Path: t.TempDir() + "/db/interactions.db"}, "*sqlite.Store"},
	}
	for _, tt := range tests {
		s, err := openStore(tt.cfg)
		if err != nil {
			t.Fatalf("openStore(%s) error = %v", tt.cfg.Type, err)
		}
		if got := fmt.Sprintf("%T", s); got != tt.want {
			t.Errorf("openStore(%s) = %s, want %s", tt.cfg.Type, got, tt.want)
		}
		s.Close()
	}
}

func TestRenderer_Events(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newRenderer(&out, &errOut, true, false)

	events := []domain.StreamEvent{
		domain.ReasoningEvent("thinking"),
		domain.ContentEvent("Hello"),
		domain.ContentEvent(" world"),
		domain.MarkerEvent(domain.Marker{Type: "tool_call", TaskType: "search"}),
		domain.DoneEvent(&domain.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3, Estimated: true}),
	}
	for _, ev := range events {
		if err := r.Event(ev); err != nil {
			t.Fatalf("Event(%s) error = %v", ev.Type, err)
		}
	}

	want := "thinking\nHello world\n→ tool_call search\n"
	if out.String() != want {
		t.Errorf("stdout = %q, want %q", out.String(), want)
	}
	if !strings.Contains(errOut.String(), "= 3 tokens (estimated)") {
		t.Errorf("stderr = %q", errOut.String())
	}

	if err := r.Event(domain.ErrorEvent("boom")); !errors.Is(err, errReported) {
		t.Errorf("error event returned %v", err)
	}
	if !strings.Contains(errOut.String(), "error: boom") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestRenderer_Status(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out, &out, true, false)
	r.Status(&lifecycle.Status{
		State:     lifecycle.StateError,
		Error:     "configuration validation failed: model.id: no model identifier configured",
		PID:       7,
		UpdatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	})

	got := out.String()
	for _, want := range []string{"error", "pid=7", "2025-01-02 03:04:05", "model.id"} {
		if !strings.Contains(got, want) {
			t.Errorf("output %q missing %q", got, want)
		}
	}
}

func TestLanguageFor(t *testing.T) {
	if got := languageFor("internal/server/chat.go"); got != "go" {
		t.Errorf("languageFor(.go) = %q", got)
	}
	if got := languageFor("README"); got != "" {
		t.Errorf("languageFor(no ext) = %q", got)
	}
}

func TestRunStatus_Filter(t *testing.T) {
	dir := t.TempDir()
	prev := lifecycle.NewStatusStore(dir)
	if err := prev.Write(lifecycle.Status{State: lifecycle.StateStarting, PID: 999999}); err != nil {
		t.Fatal(err)
	}
	if err := prev.Write(lifecycle.Status{State: lifecycle.StateError, Error: "old failure", PID: 999999}); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		statusDir, statusPID, statusSince, statusNoColor = "", 0, "", false
	})
	statusDir, statusNoColor = dir, true

	run := func() (string, error) {
		var out bytes.Buffer
		cmd := &cobra.Command{}
		cmd.SetContext(context.Background())
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		err := runStatus(cmd, nil)
		return out.String(), err
	}

	tests := []struct {
		name    string
		pid     int
		since   string
		wantErr string
		wantOut string
	}{
		{name: "record from the same pid", pid: 999999, wantErr: errReported.Error(), wantOut: "old failure"},
		{name: "record from another run", pid: 4242, wantErr: "has not started"},
		{name: "record older than launch", since: time.Now().Add(time.Hour).Format(time.RFC3339Nano), wantErr: "has not started"},
		{name: "invalid since", since: "yesterday", wantErr: "invalid --since"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			statusPID, statusSince = tt.pid, tt.since

			out, err := run()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("runStatus() error = %v, want %q", err, tt.wantErr)
			}
			if !strings.Contains(out, tt.wantOut) {
				t.Errorf("output %q missing %q", out, tt.wantOut)
			}
		})
	}
}
