package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"

	"github.com/kalambet/attest/internal/ollama"
)

// ModelManager is a backend that hosts models locally. *ollama.Client
// satisfies it.
type ModelManager interface {
	IsRunning(ctx context.Context) bool
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(ollama.PullProgress)) error
}

// EnsureModels checks that the backend is reachable and pulls every listed
// model it does not have yet, drawing pull progress on w.
func EnsureModels(ctx context.Context, m ModelManager, models []string, w io.Writer) error {
	if !m.IsRunning(ctx) {
		return fmt.Errorf("model backend is not running; start Ollama or configure another provider")
	}

	seen := make(map[string]bool, len(models))
	for _, model := range models {
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true

		if m.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		bar := progressbar.NewOptions64(-1,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription("pulling "+model),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(40),
		)
		err := m.PullModel(ctx, model, func(p ollama.PullProgress) {
			if p.Total > 0 {
				bar.ChangeMax64(p.Total)
				bar.Set64(p.Completed)
			} else {
				bar.Describe(model + ": " + p.Status)
			}
		})
		bar.Finish()
		fmt.Fprintln(w)
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}
	return nil
}
