package engine

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/kalambet/attest/internal/ollama"
)

type mockManager struct {
	isRunning bool
	models    map[string]bool
	pulled    []string
}

func (m *mockManager) IsRunning(_ context.Context) bool             { return m.isRunning }
func (m *mockManager) HasModel(_ context.Context, name string) bool { return m.models[name] }
func (m *mockManager) PullModel(_ context.Context, name string, cb func(ollama.PullProgress)) error {
	m.pulled = append(m.pulled, name)
	if cb != nil {
		cb(ollama.PullProgress{Status: "downloading", Total: 100, Completed: 50})
		cb(ollama.PullProgress{Status: "success"})
	}
	return nil
}

func TestEnsureModels_AllPresent(t *testing.T) {
	m := &mockManager{
		isRunning: true,
		models:    map[string]bool{"llama3.1": true, "nomic-embed-text": true},
	}
	if err := EnsureModels(context.Background(), m, []string{"llama3.1", "nomic-embed-text"}, io.Discard); err != nil {
		t.Fatalf("EnsureModels: %v", err)
	}
	if len(m.pulled) != 0 {
		t.Errorf("expected no pulls, got %v", m.pulled)
	}
}

func TestEnsureModels_PullsMissingOnce(t *testing.T) {
	m := &mockManager{
		isRunning: true,
		models:    map[string]bool{"llama3.1": true},
	}
	var out bytes.Buffer
	err := EnsureModels(context.Background(), m, []string{"llama3.1", "nomic-embed-text", "nomic-embed-text", ""}, &out)
	if err != nil {
		t.Fatalf("EnsureModels: %v", err)
	}
	if len(m.pulled) != 1 || m.pulled[0] != "nomic-embed-text" {
		t.Errorf("expected one pull of nomic-embed-text, got %v", m.pulled)
	}
	if !strings.Contains(out.String(), "model nomic-embed-text: ready") {
		t.Errorf("output %q does not report the pulled model ready", out.String())
	}
}

func TestEnsureModels_BackendDown(t *testing.T) {
	m := &mockManager{isRunning: false, models: map[string]bool{}}
	if err := EnsureModels(context.Background(), m, []string{"llama3.1"}, io.Discard); err == nil {
		t.Fatal("expected error when backend is down")
	}
}
