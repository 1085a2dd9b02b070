package monitoring

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDownloadMetrics(t *testing.T) {
	completed := testutil.ToFloat64(DownloadsTotal.WithLabelValues("completed"))
	retried := testutil.ToFloat64(DownloadsTotal.WithLabelValues("retry"))
	active := testutil.ToFloat64(ActiveDownloads)

	RecordDownloadStart()
	RecordDownloadStart()
	if got := testutil.ToFloat64(ActiveDownloads); got != active+2 {
		t.Errorf("Expected active %v, got %v", active+2, got)
	}

	RecordDownloadComplete(5*time.Second, 2048)
	RecordDownloadFailed("transport", true)

	if got := testutil.ToFloat64(DownloadsTotal.WithLabelValues("completed")); got != completed+1 {
		t.Errorf("Expected completed %v, got %v", completed+1, got)
	}
	if got := testutil.ToFloat64(DownloadsTotal.WithLabelValues("retry")); got != retried+1 {
		t.Errorf("Expected retry %v, got %v", retried+1, got)
	}
	if got := testutil.ToFloat64(ActiveDownloads); got != active {
		t.Errorf("Expected active back to %v, got %v", active, got)
	}
}

func TestUpdateLedgerRows(t *testing.T) {
	UpdateLedgerRows(map[string]int{"QUEUED": 3, "FAILED": 1})

	if got := testutil.ToFloat64(LedgerRows.WithLabelValues("QUEUED")); got != 3 {
		t.Errorf("Expected 3 queued, got %v", got)
	}
}

func TestRecordLibraryOp(t *testing.T) {
	before := testutil.ToFloat64(LibraryOpsTotal.WithLabelValues("toggle_favorite", "error"))
	RecordLibraryOp("toggle_favorite", errors.New("boom"))
	RecordLibraryOp("toggle_favorite", nil)

	if got := testutil.ToFloat64(LibraryOpsTotal.WithLabelValues("toggle_favorite", "error")); got != before+1 {
		t.Errorf("Expected %v errors, got %v", before+1, got)
	}
}

func TestRecordMisc(t *testing.T) {
	RecordDownloadStart()
	RecordDownloadCancelled()
	RecordDownloadRejected("precondition")
	RecordCatalogRequest("200", 100*time.Millisecond)
	RecordError("filesystem")
}
