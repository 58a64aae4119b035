package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opgcnn/internal/config"
	"opgcnn/internal/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// writeConfig points every path into a temp directory and shrinks the region
// and training so a full run takes a moment.
func writeConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	c := config.Default()
	c.Data.Dir = filepath.Join(dir, "data")
	c.Data.TargetsPath = filepath.Join(dir, "data", "opg.csv")
	c.Region.LatMin, c.Region.LatMax = 40, 41.75
	c.Region.LonMin, c.Region.LonMax = -112, -110.25
	c.Output.Dir = filepath.Join(dir, "runs")
	c.Output.RunsDB = filepath.Join(dir, "runs", "runs.db")
	c.Training.Epochs = 2
	c.Training.BatchSize = 8
	c.Training.Workers = 2
	c.Logging.Level = "warn"
	path := filepath.Join(dir, "opgcnn.yaml")
	require.NoError(t, c.Save(path))
	return path, c
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "opgcnn "+version))
}

func TestSplitCommand(t *testing.T) {
	out, err := execute(t, "split", "--config", "", "-n", "2708", "--head", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "seed 42, 2708 samples")
	assert.Contains(t, out, "train  1896")
	assert.Contains(t, out, "test    406")
	assert.Contains(t, out, "val     406")
}

func TestSummaryCommand(t *testing.T) {
	out, err := execute(t, "summary", "--config", "", "--facets", "12")
	require.NoError(t, err)
	assert.Contains(t, out, "Input: [19 27 6]")
	assert.Contains(t, out, "[768]")
	assert.Contains(t, out, "dense(12, linear)")
}

func TestBadConfig(t *testing.T) {
	_, err := execute(t, "split", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSynthTrainEvaluate(t *testing.T) {
	if testing.Short() {
		t.Skip("trains a model")
	}
	path, c := writeConfig(t)

	out, err := execute(t, "synth", "--config", path, "--days", "40", "--facets", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 6 channels")

	out, err = execute(t, "train", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "test     r2=")

	runs, err := store.Open(c.Output.RunsDB)
	require.NoError(t, err)
	list, err := runs.ListRuns(context.Background(), 0)
	runs.Close()
	require.NoError(t, err)
	require.Len(t, list, 1)
	run := list[0]
	assert.Contains(t, []string{store.StatusCompleted, store.StatusStopped}, run.Status)

	out, err = execute(t, "runs", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, run.ID)

	out, err = execute(t, "runs", "show", run.ID, "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "run "+run.ID)
	assert.Contains(t, out, "EPOCH")
	assert.Contains(t, out, "VAL_LOSS")
	assert.Contains(t, out, "test: n=18")
	assert.Contains(t, out, "F01")

	reportPath := filepath.Join(t.TempDir(), "report.json")
	_, err = execute(t, "evaluate", "--config", path, "--run", run.ID, "--out", reportPath)
	require.NoError(t, err)

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	var report struct {
		Overall struct {
			N int `json:"n"`
		} `json:"overall"`
		Facets []struct {
			Facet string `json:"facet"`
		} `json:"facets"`
	}
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, 6*3, report.Overall.N, "round(0.15*40) test samples × 3 facets")
	assert.Len(t, report.Facets, 3)
}
