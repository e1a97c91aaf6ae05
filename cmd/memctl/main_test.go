package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lexlapax/engram/pkg/cogmem"
	"github.com/lexlapax/engram/pkg/config"
	"github.com/lexlapax/engram/pkg/mem/ltm"
	"github.com/lexlapax/engram/pkg/portable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *cogmem.Client {
	t.Helper()
	cfg := config.Default()
	cfg.Metrics.Enabled = false

	client, err := cogmem.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func run(t *testing.T, client *cogmem.Client, input string) string {
	t.Helper()
	var out bytes.Buffer
	quit, err := execute(context.Background(), client, &out, input)
	require.NoError(t, err, input)
	assert.False(t, quit)
	return out.String()
}

func TestExecute_Records(t *testing.T) {
	client := newTestClient(t)

	out := run(t, client, "!create fact 3 likes green tea")
	assert.Contains(t, out, "(semantic)")

	out = run(t, client, "met Sam at the station")
	assert.True(t, strings.HasPrefix(out, "stored "))

	records, err := client.MMU.ListRecords(context.Background(), ltm.Query{})
	require.NoError(t, err)
	require.Len(t, records, 2)

	var episodic ltm.MemoryRecord
	for _, r := range records {
		if r.Category == ltm.CategoryEpisodic {
			episodic = r
		}
	}
	require.NotEmpty(t, episodic.ID)
	assert.Equal(t, defaultImportance, episodic.BaseImportance)

	out = run(t, client, "!show "+episodic.ID)
	assert.Contains(t, out, "met Sam at the station")
	assert.Contains(t, out, "(1 accesses)")

	out = run(t, client, "!active 1")
	assert.Equal(t, 2, strings.Count(out, "\n"), "header plus one row: %s", out)

	out = run(t, client, "!stats")
	assert.Contains(t, out, "episodic")
	assert.Contains(t, out, "semantic")
}

func TestExecute_LinkAndConsolidate(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	for _, id := range []string{"A", "B", "D"} {
		_, err := client.MMU.CreateRecord(ctx, "memory "+id, "episodic", 5, ltm.WithID(id))
		require.NoError(t, err)
	}

	out := run(t, client, "!link D A,B summary 0.8")
	assert.True(t, strings.HasPrefix(out, "linked "))

	out = run(t, client, "!rels A")
	assert.Contains(t, out, "summary  D <- [A, B]  confidence=0.80")

	out = run(t, client, "!consolidate 7 A,B both about the trip")
	assert.Contains(t, out, "reflected 2 sources")

	a, err := client.MMU.GetRecord(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, a.ReflectionCount)
	assert.Equal(t, 2, a.DerivedMemories.Len())
}

func TestExecute_Errors(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"unknown command", "!bogus", "unknown command"},
		{"missing args", "!create fact", "usage: !create"},
		{"bad importance", "!create fact high text", "importance must be an integer"},
		{"unknown record", "!show nope", "unknown memory record"},
		{"bad confidence", "!link D A summary lots", "confidence must be a number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			_, err := execute(ctx, client, &out, tt.input)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	quit, err := execute(ctx, client, &bytes.Buffer{}, "!quit")
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestExportImport(t *testing.T) {
	src := newTestClient(t)
	ctx := context.Background()
	for _, id := range []string{"A", "B"} {
		_, err := src.MMU.CreateRecord(ctx, "line one\nline two "+id, "conversation", 4, ltm.WithID(id))
		require.NoError(t, err)
	}

	path := filepath.Join(t.TempDir(), "records.ndjson")
	out := run(t, src, "!export "+path)
	assert.Contains(t, out, "exported 2 records")

	dst := newTestClient(t)
	out = run(t, dst, "!import "+path)
	assert.Contains(t, out, "imported 2 records")

	b, err := dst.MMU.GetRecord(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two B", b.Content)
	assert.Equal(t, ltm.CategoryEpisodic, b.Category)
	assert.Equal(t, ltm.LegacyConversation, b.LegacyCategory)

	// importing again skips existing ids
	out = run(t, dst, "!import "+path)
	assert.Contains(t, out, "imported 0 records")
}

func TestReadRows(t *testing.T) {
	rows, err := readRows(strings.NewReader("{\"id\":\"a\"}\n\n  \n{\"id\":\"b\",\"content\":\"x\"}\n"))
	require.NoError(t, err)
	assert.Equal(t, []portable.Map{{"id": "a"}, {"id": "b", "content": "x"}}, rows)

	_, err = readRows(strings.NewReader("{\"id\":\"a\"}\nnot json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestWriteRows(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeRows(&buf, []portable.Map{{"id": "a"}, {"id": "b"}}))
	assert.Equal(t, "{\"id\":\"a\"}\n{\"id\":\"b\"}\n", buf.String())
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "a b c", preview("a\n b\t c"))
	long := strings.Repeat("x", 100)
	assert.Len(t, []rune(preview(long)), 60)
}

func TestMetricsServer(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "engram_test_total", Help: "test counter"})
	registry.MustRegister(counter)
	counter.Inc()

	srv := newMetricsServer(registry, "127.0.0.1:0")
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "engram_test_total 1")

	ctx, cancel := context.WithCancel(context.Background())
	done := serveMetrics(ctx, srv)
	cancel()
	select {
	case <-done:
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("metrics server did not stop after the context was cancelled")
	}
}

func TestMetricsServer_ListenFailure(t *testing.T) {
	srv := newMetricsServer(prometheus.NewRegistry(), "127.0.0.1:-1")

	// a server that cannot listen stops on its own
	done := serveMetrics(context.Background(), srv)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not report the listen failure")
	}
}
