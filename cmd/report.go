// Filename: cmd/report.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/config"
	"github.com/xkilldash9x/scalpel-recon/internal/observability"
	"github.com/xkilldash9x/scalpel-recon/internal/reporting"
	"github.com/xkilldash9x/scalpel-recon/internal/service"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// historyStore is the read side of persisted scan history a report needs.
type historyStore interface {
	ListScans(ctx context.Context, projectID int64) ([]schemas.ScanRecord, error)
	ListFindings(ctx context.Context, scanID int64) ([]schemas.Finding, error)
}

// storeProvider creates the history store. This abstraction allows tests to
// inject a fake store instead of a live database connection.
type storeProvider interface {
	// Create returns the store, a cleanup function releasing its resources,
	// and an error if the creation fails.
	Create(ctx context.Context, cfg *config.Config) (historyStore, func(), error)
}

type defaultStoreProvider struct{}

// NewStoreProvider returns the PostgreSQL-backed store provider.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

func (p *defaultStoreProvider) Create(ctx context.Context, cfg *config.Config) (historyStore, func(), error) {
	logger := observability.GetLogger()
	if cfg.Database.URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (SCALPEL_DATABASE_URL)")
	}
	pool, storeService, err := service.InitializeDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed (via report cleanup).")
	}
	return storeService, cleanup, nil
}

// reportOptions are the flags of the report command.
type reportOptions struct {
	format    string
	output    string
	projectID int64
	serverURL string
	token     string
	target    string
}

// newReportCmd creates the `report` command. It reports the targets known to
// a running server, or a project's persisted findings with --project.
func newReportCmd(provider storeProvider) *cobra.Command {
	opts := reportOptions{}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write a JSON or SARIF report of targets and findings",
		Long: `Without --project the report covers the target records of a running server,
with findings derived from each record. With --project it covers the findings
persisted for that project's scans.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if opts.token == "" {
				opts.token = os.Getenv("SCALPEL_API_TOKEN")
			}
			return runReport(ctx, observability.GetLogger(), cfg, opts, provider, http.DefaultClient)
		},
	}

	cmd.Flags().StringVarP(&opts.format, "format", "f", "sarif", "Report format: json or sarif")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output path (stdout when unset; .br compresses)")
	cmd.Flags().Int64Var(&opts.projectID, "project", 0, "Report a project's persisted findings")
	cmd.Flags().StringVar(&opts.serverURL, "server", "http://127.0.0.1:8000", "Base URL of a running scalpel-recon server")
	cmd.Flags().StringVar(&opts.token, "token", "", "Bearer token for the server (default $SCALPEL_API_TOKEN)")
	cmd.Flags().StringVar(&opts.target, "target", "", "Limit the report to one target")
	return cmd
}

// runReport gathers the report input and writes it.
func runReport(ctx context.Context, logger *zap.Logger, cfg *config.Config, opts reportOptions, provider storeProvider, client *http.Client) error {
	var (
		in  reporting.Input
		err error
	)
	if opts.projectID > 0 {
		logger.Info("Building report from scan history", zap.Int64("project_id", opts.projectID))
		in, err = historyInput(ctx, cfg, opts.projectID, provider)
	} else {
		logger.Info("Building report from server targets", zap.String("server", opts.serverURL))
		in, err = serverInput(ctx, client, opts)
	}
	if err != nil {
		return err
	}

	reporter, err := reporting.New(opts.format, opts.output, Version)
	if err != nil {
		return fmt.Errorf("failed to initialize reporter: %w", err)
	}
	if err := reporter.Write(in); err != nil {
		_ = reporter.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := reporter.Close(); err != nil {
		return fmt.Errorf("failed to finalize report: %w", err)
	}

	logger.Info("Report written",
		zap.String("format", opts.format),
		zap.String("output", opts.output),
		zap.Int("targets", len(in.Targets)),
		zap.Int("findings", len(in.Findings)))
	return nil
}

func historyInput(ctx context.Context, cfg *config.Config, projectID int64, provider storeProvider) (reporting.Input, error) {
	st, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return reporting.Input{}, fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	scans, err := st.ListScans(ctx, projectID)
	if err != nil {
		return reporting.Input{}, err
	}
	var in reporting.Input
	for _, scan := range scans {
		findings, err := st.ListFindings(ctx, scan.ID)
		if err != nil {
			return reporting.Input{}, err
		}
		in.Findings = append(in.Findings, findings...)
	}
	return in, nil
}

// apiEnvelope mirrors the server's response envelope.
type apiEnvelope struct {
	Status string              `json:"status"`
	Data   jsoniter.RawMessage `json:"data"`
	Error  string              `json:"error"`
}

func serverInput(ctx context.Context, client *http.Client, opts reportOptions) (reporting.Input, error) {
	base := strings.TrimRight(opts.serverURL, "/")
	var records []schemas.TargetRecord
	if err := getJSON(ctx, client, base+"/api/v1/targets", opts.token, &records); err != nil {
		return reporting.Input{}, err
	}
	if opts.target != "" {
		var filtered []schemas.TargetRecord
		for _, r := range records {
			if r.Target == opts.target {
				filtered = append(filtered, r)
			}
		}
		if len(filtered) == 0 {
			return reporting.Input{}, fmt.Errorf("target %s is not known to %s", opts.target, base)
		}
		records = filtered
	}

	// Reporters derive the record findings themselves.
	return reporting.Input{Targets: records}, nil
}

func getJSON(ctx context.Context, client *http.Client, rawURL, token string, into any) error {
	if _, err := url.Parse(rawURL); err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("failed to read server response: %w", err)
	}
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("unexpected server response (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned HTTP %d: %s", resp.StatusCode, env.Error)
	}
	if err := json.Unmarshal(env.Data, into); err != nil {
		return fmt.Errorf("failed to decode server data: %w", err)
	}
	return nil
}
