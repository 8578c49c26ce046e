package app

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/movi/internal/config"
	"github.com/ashureev/movi/internal/domain"
	"github.com/ashureev/movi/internal/fleet"
	"github.com/ashureev/movi/internal/llm"
	"github.com/ashureev/movi/internal/pipeline"
)

type listVehiclesLLM struct{}

func (listVehiclesLLM) Classify(context.Context, llm.ClassifyRequest) (*llm.Classification, error) {
	return &llm.Classification{Intent: "list vehicles", Tool: "list_vehicles"}, nil
}

func (listVehiclesLLM) DescribeImage(context.Context, []byte, string) (string, error) {
	return "", nil
}

func (listVehiclesLLM) Synthesize(context.Context, llm.SynthesisRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("Five vehicles.", nil)
	}
}

func (listVehiclesLLM) Confirm(context.Context, *domain.ImpactAssessment) (string, error) {
	return "", nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DBPath:      filepath.Join(t.TempDir(), "movi.db"),
		SeedOnStart: true,
		LLM:         config.LLMConfig{Timeout: 5 * time.Second},
		Pipeline:    config.PipelineConfig{ConfirmationTTL: time.Minute, HistoryWindow: 10},
		Session: config.SessionConfig{
			IdleTTL:       time.Hour,
			LeaseTTL:      time.Minute,
			SweepInterval: time.Minute,
			CacheSize:     16,
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewWiresPipeline(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), discardLogger(), Options{Client: listVehiclesLLM{}})
	require.NoError(t, err)
	defer a.Close()

	require.Contains(t, a.Registry.Names(), "list_vehicles")
	vehicles, err := a.Repo.ListVehicles(ctx)
	require.NoError(t, err)
	require.Len(t, vehicles, 5)

	var last *pipeline.Event
	for ev, err := range a.Engine.Submit(ctx, pipeline.SubmitRequest{
		SessionID: "app-test",
		Message:   "show all vehicles",
		UIContext: fleet.ContextBusDashboard,
	}) {
		require.NoError(t, err)
		last = ev
	}
	require.NotNil(t, last)
	require.Equal(t, pipeline.EventDone, last.Type)

	res := a.Sweeper.Sweep(ctx)
	require.Zero(t, res.ExpiredCheckpoints)
}

func TestNewRejectsUnknownOverride(t *testing.T) {
	cfg := testConfig(t)
	cfg.ToolContextsFile = filepath.Join(t.TempDir(), "contexts.yaml")
	require.NoError(t, os.WriteFile(cfg.ToolContextsFile, []byte("contexts:\n  launch_rocket: [busDashboard]\n"), 0o600))

	_, err := New(context.Background(), cfg, discardLogger(), Options{Client: listVehiclesLLM{}})
	require.Error(t, err)
}

func TestNewMissingOverridesFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.ToolContextsFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := New(context.Background(), cfg, discardLogger(), Options{Client: listVehiclesLLM{}})
	require.ErrorContains(t, err, "read tool contexts")
}
