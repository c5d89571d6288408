package export

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestDestinationSanitizesSegments(t *testing.T) {
	e := New("exports")
	got := e.Destination("acme/widget!!", 12, 3)
	want := filepath.Join("exports", "acme_widget__", "3", "12_metrics.csv")
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestAppendCommitMetricsWritesHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	e := New(dir)
	dest := e.Destination("acme_widget", 1, 1)

	metricKeys := []string{"ncloc", "complexity"}
	measures := map[string]string{"ncloc": "120", "complexity": "8"}

	result, err := e.AppendCommitMetrics(dest, "acme_widget_abc", "abc", metricKeys, measures)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if result.RecordCount != 1 {
		t.Fatalf("expected record count 1, got %d", result.RecordCount)
	}

	result, err = e.AppendCommitMetrics(dest, "acme_widget_def", "def", metricKeys, measures)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if result.RecordCount != 2 {
		t.Fatalf("expected record count 2, got %d", result.RecordCount)
	}

	f, err := os.Open(dest)
	if err != nil {
		t.Fatalf("open dest: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d rows", len(rows))
	}
	wantHeader := []string{"component_key", "commit_sha", "ncloc", "complexity"}
	for i, col := range wantHeader {
		if rows[0][i] != col {
			t.Fatalf("header col %d: got %q, want %q", i, rows[0][i], col)
		}
	}
	if rows[1][0] != "acme_widget_abc" || rows[1][1] != "abc" {
		t.Fatalf("unexpected first data row: %v", rows[1])
	}
}

// TestAppendCommitMetricsConcurrentWritersPreserveRowCount exercises the
// output-append-atomicity property: concurrent appenders to the same
// destination must produce exactly one header and a row count equal to the
// number of successful appends.
func TestAppendCommitMetricsConcurrentWritersPreserveRowCount(t *testing.T) {
	dir := t.TempDir()
	e := New(dir)
	dest := e.Destination("acme_widget", 1, 1)
	metricKeys := []string{"ncloc"}

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			commit := filepath.Base(t.TempDir()) // cheap unique-ish string
			_, err := e.AppendCommitMetrics(dest, "acme_widget_"+commit, commit, metricKeys, map[string]string{"ncloc": "1"})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append failed: %v", err)
		}
	}

	f, err := os.Open(dest)
	if err != nil {
		t.Fatalf("open dest: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != writers+1 {
		t.Fatalf("expected 1 header + %d rows, got %d rows", writers, len(rows))
	}
	headerCount := 0
	for _, row := range rows {
		if row[0] == "component_key" {
			headerCount++
		}
	}
	if headerCount != 1 {
		t.Fatalf("expected header to appear exactly once, found %d", headerCount)
	}
}
