package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kalambet/attest/internal/config"
	"github.com/kalambet/attest/internal/engine"
	"github.com/kalambet/attest/internal/ollama"
)

type documentResult struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type jobResult struct {
	Stage        string `json:"stage"`
	Status       string `json:"status"`
	Attempt      int    `json:"attempt"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type versionResult struct {
	ID         string      `json:"id"`
	DocumentID string      `json:"document_id"`
	VersionNum int         `json:"version_num"`
	Status     string      `json:"status"`
	Jobs       []jobResult `json:"jobs"`
}

func tenantPath(tenant, format string, args ...any) string {
	return "/v1/tenants/" + url.PathEscape(tenant) + fmt.Sprintf(format, args...)
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload FILE",
	Short: "Upload a document and queue it for processing",
	Long: `Upload a document and queue it for processing.

Examples:
  attest upload --tenant acme --type POLICY ./access-control.pdf
  attest upload --tenant acme --type QUESTIONNAIRE --wait ./vendor-review.xlsx`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		typ, _ := cmd.Flags().GetString("type")
		title, _ := cmd.Flags().GetString("title")
		wait, _ := cmd.Flags().GetBool("wait")
		if tenant == "" {
			return fmt.Errorf("--tenant is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		v, err := uploadFile(cmd.Context(), client, uploadRequest{
			Tenant: tenant,
			Type:   strings.ToUpper(typ),
			Title:  title,
			Path:   args[0],
		}, os.Stderr)
		if err != nil {
			return err
		}
		printSuccess("Uploaded version %s (document %s), status %s", v.ID, v.DocumentID, v.Status)

		if !wait {
			return nil
		}
		v, err = waitForVersion(cmd.Context(), client, tenant, v.ID, 2*time.Second)
		if err != nil {
			return err
		}
		printVersion(v)
		if v.Status == "FAILED" {
			return fmt.Errorf("processing failed")
		}
		return nil
	},
}

func init() {
	uploadCmd.Flags().String("tenant", "", "tenant ID")
	uploadCmd.Flags().String("type", "POLICY", "document type: POLICY, QUESTIONNAIRE or OTHER")
	uploadCmd.Flags().String("title", "", "document title (defaults to the file name)")
	uploadCmd.Flags().Bool("wait", false, "wait until processing finishes")
}

type uploadRequest struct {
	Tenant string
	Type   string
	Title  string
	Path   string
}

// uploadFile creates the document and version, streams the file with a
// progress bar drawn on progress, and completes the upload.
func uploadFile(ctx context.Context, c *apiClient, req uploadRequest, progress io.Writer) (versionResult, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return versionResult{}, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return versionResult{}, err
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return versionResult{}, fmt.Errorf("hashing file: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return versionResult{}, err
	}

	name := filepath.Base(req.Path)
	title := req.Title
	if title == "" {
		title = strings.TrimSuffix(name, filepath.Ext(name))
	}

	printStep("Creating document %q", title)
	resp, err := c.post(ctx, tenantPath(req.Tenant, "/documents"), map[string]string{
		"title":  title,
		"type":   req.Type,
		"source": "cli",
	})
	if err != nil {
		return versionResult{}, err
	}
	var doc documentResult
	if err := decodeJSON(resp, &doc); err != nil {
		return versionResult{}, fmt.Errorf("creating document: %w", err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(name))
	resp, err = c.post(ctx, tenantPath(req.Tenant, "/documents/%s/versions", doc.ID), map[string]any{
		"filename":   name,
		"mime_type":  mimeType,
		"size_bytes": info.Size(),
		"checksum":   "sha256:" + hex.EncodeToString(h.Sum(nil)),
	})
	if err != nil {
		return versionResult{}, err
	}
	var v versionResult
	if err := decodeJSON(resp, &v); err != nil {
		return versionResult{}, fmt.Errorf("creating version: %w", err)
	}

	bar := progressbar.NewOptions64(info.Size(),
		progressbar.OptionSetWriter(progress),
		progressbar.OptionSetDescription("uploading "+name),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
	)
	resp, err = c.send(ctx, http.MethodPut, tenantPath(req.Tenant, "/versions/%s/content", v.ID),
		io.TeeReader(f, bar), info.Size(), "application/octet-stream")
	bar.Finish()
	fmt.Fprintln(progress)
	if err != nil {
		return versionResult{}, err
	}
	if err := decodeJSON(resp, nil); err != nil {
		return versionResult{}, fmt.Errorf("uploading content: %w", err)
	}

	resp, err = c.post(ctx, tenantPath(req.Tenant, "/versions/%s/complete", v.ID), nil)
	if err != nil {
		return versionResult{}, err
	}
	if err := decodeJSON(resp, &v); err != nil {
		return versionResult{}, fmt.Errorf("completing upload: %w", err)
	}
	return v, nil
}

// waitForVersion polls until the version is READY or FAILED.
func waitForVersion(ctx context.Context, c *apiClient, tenant, versionID string, interval time.Duration) (versionResult, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		v, err := getVersion(ctx, c, tenant, versionID)
		if err != nil {
			return versionResult{}, err
		}
		if v.Status == "READY" || v.Status == "FAILED" {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return versionResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func getVersion(ctx context.Context, c *apiClient, tenant, versionID string) (versionResult, error) {
	resp, err := c.get(ctx, tenantPath(tenant, "/versions/%s", versionID))
	if err != nil {
		return versionResult{}, err
	}
	var v versionResult
	if err := decodeJSON(resp, &v); err != nil {
		return versionResult{}, err
	}
	return v, nil
}

func printVersion(v versionResult) {
	printStatus("Version", "%s (v%d)", v.ID, v.VersionNum)
	printStatus("Status", "%s", v.Status)
	for _, j := range v.Jobs {
		line := fmt.Sprintf("%s attempt %d", j.Status, j.Attempt)
		if j.ErrorCode != "" {
			line += fmt.Sprintf(" [%s] %s", j.ErrorCode, j.ErrorMessage)
		}
		printStatus("  "+j.Stage, "%s", line)
	}
}

// --- suggest ---

type suggestResult struct {
	Answer     string   `json:"answer"`
	Citations  []string `json:"citations"`
	Confidence float64  `json:"confidence"`
	Coverage   string   `json:"coverage"`
}

var suggestCmd = &cobra.Command{
	Use:   "suggest QUESTION",
	Short: "Draft an answer from the tenant's knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		if tenant == "" {
			return fmt.Errorf("--tenant is required")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := suggest(cmd.Context(), client, tenant, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, res.Answer)
		fmt.Fprintln(out)
		printStatus("Coverage", "%s", coverageColor(res.Coverage).Sprint(res.Coverage))
		printStatus("Confidence", "%.2f", res.Confidence)
		if len(res.Citations) > 0 {
			printStatus("Citations", "%s", strings.Join(res.Citations, ", "))
		}
		return nil
	},
}

func init() {
	suggestCmd.Flags().String("tenant", "", "tenant ID")
}

func suggest(ctx context.Context, c *apiClient, tenant, question string) (suggestResult, error) {
	resp, err := c.post(ctx, tenantPath(tenant, "/suggest"), map[string]string{"question": question})
	if err != nil {
		return suggestResult{}, err
	}
	var res suggestResult
	if err := decodeJSON(resp, &res); err != nil {
		return suggestResult{}, err
	}
	return res, nil
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, model and queue status, or one version's pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		versionID, _ := cmd.Flags().GetString("version")
		if versionID != "" {
			if tenant == "" {
				return fmt.Errorf("--tenant is required with --version")
			}
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			v, err := getVersion(cmd.Context(), client, tenant, versionID)
			if err != nil {
				return err
			}
			printVersion(v)
			return nil
		}
		return showStatus(cmd.Context())
	},
}

func init() {
	statusCmd.Flags().String("tenant", "", "tenant ID (with --version)")
	statusCmd.Flags().String("version", "", "document version ID")
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	for _, p := range []struct {
		label string
		cfg   config.ProviderConfig
		model string
	}{
		{"LLM", cfg.LLM, engine.DefaultChatModel(cfg.LLM.Provider)},
		{"Embeddings", cfg.Embeddings.ProviderConfig, engine.DefaultEmbeddingModel(cfg.Embeddings.Provider)},
	} {
		model := p.cfg.Model
		if model == "" {
			model = p.model
		}
		state := ""
		if p.cfg.Provider == engine.ProviderOllama {
			state = " (not running)"
			if ollama.New(p.cfg.BaseURL).IsRunning(ctx) {
				state = " (running)"
			}
		}
		printStatus(p.label, "%s/%s%s", p.cfg.Provider, model, state)
	}

	printStatus("Storage", "%s", cfg.Storage.Driver)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Objects", "%s", cfg.ObjectsDir())

	store, err := openStore(ctx, cfg)
	if err != nil {
		printStatus("Jobs", "unavailable (%v)", err)
		return nil
	}
	defer store.Close()
	counts, err := store.CountJobs(ctx)
	if err != nil {
		printStatus("Jobs", "unavailable (%v)", err)
		return nil
	}
	printStatus("Jobs", "%s", formatCounts(counts))
	return nil
}

func formatCounts[K ~string](counts map[K]int) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[K(k)])
	}
	return strings.Join(parts, " ")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "# %s\n", config.FilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s  %s\n", bold.Sprint(k.Key), k.Value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
