package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/velmie/memgate"
	"github.com/velmie/memgate/correlation"
	"github.com/velmie/memgate/downstream"
	"github.com/velmie/memgate/internal/config"
	"github.com/velmie/memgate/memstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSchemaCommand(t *testing.T) {
	out, err := runCLI(t, "schema", "--outbox-table", "ob", "--audit-table", "au")
	require.NoError(t, err)
	assert.Contains(t, out, "CREATE TABLE IF NOT EXISTS `ob`")
	assert.Contains(t, out, "CREATE TABLE IF NOT EXISTS `au`")

	_, err = runCLI(t, "schema", "--outbox-table", "bad;name")
	var usage usageError
	require.ErrorAs(t, err, &usage)
}

func TestWriteCommandSucceeds(t *testing.T) {
	var gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get(correlation.HeaderName)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"mem-42"}`))
	}))
	defer server.Close()

	path := writeConfigFile(t, "database:\n  dialect: memory\ndownstream:\n  url: "+server.URL+"\nlogging:\n  level: error\n")
	out, err := runCLI(t, "--config", path, "write",
		"--actor", "u1", "--space", "team:proj", "--content", "fact A",
		"--correlation-id", "cli-trace-1", "--meta", "source=cli")
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "cli-trace-1", result["correlation_id"])
	assert.Equal(t, "success", result["outcome"])
	assert.Equal(t, "mem-42", result["memory_id"])
	assert.Equal(t, "cli-trace-1", gotHeader)
}

func TestWriteCommandRejectsMalformedMetadata(t *testing.T) {
	path := writeConfigFile(t, "database:\n  dialect: memory\nlogging:\n  level: error\n")
	_, err := runCLI(t, "--config", path, "write", "--actor", "u1", "--space", "team:p", "--content", "x", "--meta", "novalue")
	var usage usageError
	require.ErrorAs(t, err, &usage)
}

func TestReportCommandRejectsUnknownOutput(t *testing.T) {
	path := writeConfigFile(t, "database:\n  dialect: memory\nlogging:\n  level: error\n")
	_, err := runCLI(t, "--config", path, "report", "--output", "xml")
	var usage usageError
	require.ErrorAs(t, err, &usage)
}

func TestReportCommandEmptyStore(t *testing.T) {
	path := writeConfigFile(t, "database:\n  dialect: memory\nlogging:\n  level: error\n")
	out, err := runCLI(t, "--config", path, "report")
	require.NoError(t, err)
	assert.Contains(t, out, `"pending_count": 0`)
}

func TestWriteReportYAML(t *testing.T) {
	var buf bytes.Buffer
	report := memgate.Report{PendingCount: 3, DeadCount: 1}
	require.NoError(t, writeReport(&buf, report, "yaml"))

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, 3, decoded["pending_count"])
	assert.Equal(t, 1, decoded["dead_count"])
}

func TestNewClassifierAppliesOverrides(t *testing.T) {
	classifier := newClassifier(config.DownstreamConfig{
		TransientStatuses: []int{409, 503},
		RejectedStatuses:  []int{503},
	})

	assert.Equal(t, downstream.ClassTransient, classifier.ClassifyStatus(409))
	assert.Equal(t, downstream.ClassRejected, classifier.ClassifyStatus(503))
	assert.Equal(t, downstream.ClassRejected, classifier.ClassifyStatus(404))
	assert.Equal(t, downstream.ClassTransient, classifier.ClassifyStatus(502))
}

func TestParseMetadata(t *testing.T) {
	meta, err := parseMetadata([]string{"a=1", "b=x=y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "1", "b": "x=y"}, meta)

	meta, err = parseMetadata(nil)
	require.NoError(t, err)
	assert.Nil(t, meta)

	_, err = parseMetadata([]string{"=v"})
	require.Error(t, err)
}

type failingReporter struct{}

func (failingReporter) Report(context.Context) (memgate.Report, error) {
	return memgate.Report{}, errors.New("db down")
}

func TestOpsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "memgate_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()

	handler := newOpsHandler(registry, memgate.NewReporter(memstore.New(), nil), discardLogger())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "memgate_test_total 1")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reliability", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var report map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Contains(t, report, "audit_last_24h")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "ok", strings.TrimSpace(rec.Body.String()))
}

func TestOpsHandlerReportFailure(t *testing.T) {
	handler := newOpsHandler(prometheus.NewRegistry(), failingReporter{}, discardLogger())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reliability", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
