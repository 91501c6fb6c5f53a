package google

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"participa/internal/core"
)

func TestNewFromEnv_MissingSpreadsheetID(t *testing.T) {
	t.Setenv("GOOGLE_SPREADSHEET_ID", "")

	_, err := NewFromEnv(context.Background())
	if err == nil {
		t.Fatal("expected error for missing GOOGLE_SPREADSHEET_ID")
	}
	if err.Error() != "missing GOOGLE_SPREADSHEET_ID" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewFromEnv_MissingCredentials(t *testing.T) {
	t.Setenv("GOOGLE_SPREADSHEET_ID", "test-id")
	t.Setenv("GOOGLE_SERVICE_ACCOUNT_JSON", "")
	t.Setenv("GOOGLE_SERVICE_ACCOUNT_FILE", "")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "")

	_, err := NewFromEnv(context.Background())
	if err == nil {
		t.Fatal("expected error without credentials")
	}
	if !strings.Contains(err.Error(), "missing service account credentials") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewFromEnv_UnreadableCredentialsFile(t *testing.T) {
	t.Setenv("GOOGLE_SPREADSHEET_ID", "test-id")
	t.Setenv("GOOGLE_SERVICE_ACCOUNT_JSON", "")
	t.Setenv("GOOGLE_SERVICE_ACCOUNT_FILE", t.TempDir()+string(os.PathSeparator)+"missing.json")

	_, err := NewFromEnv(context.Background())
	if err == nil || !strings.Contains(err.Error(), "read service account file") {
		t.Errorf("expected read error, got: %v", err)
	}
}

func TestClient_PublishWithoutService(t *testing.T) {
	c := &Client{spreadsheetID: "test", resultsSheet: "2026 Results"}
	err := c.PublishResult(context.Background(), core.Budget{}, core.Heading{}, core.Result{})
	if err == nil {
		t.Fatal("expected error when service is not initialized")
	}
}

func TestResultRows(t *testing.T) {
	result := core.Result{
		Allocation: core.Allocation{
			VotingStyle: core.VotingStyleApproval,
			Cap:         core.Money{Cents: 1000},
			Lines: []core.ResultLine{
				{InvestmentID: 1, Rank: 1, CostCents: 600, Support: 10, Selected: true},
				{InvestmentID: 2, Rank: 2, CostCents: 500, Support: 8, Reason: core.ReasonDoesNotFit},
			},
		},
		RunID:        "run-1",
		CalculatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	got := resultRows(core.Budget{Name: "Budget"}, core.Heading{Name: "Centro"}, result)
	want := [][]any{
		{"2026-03-01T12:00:00Z", "Budget", "Centro", "run-1", 1, int64(1), "6.00", int64(10), "yes", "", "approval"},
		{"2026-03-01T12:00:00Z", "Budget", "Centro", "run-1", 2, int64(2), "5.00", int64(8), "no", "does_not_fit", "approval"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestCentsToDecimal(t *testing.T) {
	tests := []struct {
		cents int64
		want  string
	}{
		{0, "0.00"},
		{5, "0.05"},
		{123456, "1234.56"},
		{-250, "-2.50"},
	}
	for _, tt := range tests {
		if got := centsToDecimal(tt.cents); got != tt.want {
			t.Errorf("centsToDecimal(%d) = %q, want %q", tt.cents, got, tt.want)
		}
	}
}

func TestYearPrefixedName(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"Results", "2026 Results"},
		{"  Results  ", "2026 Results"},
		{"2025 Results", "2025 Results"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := yearPrefixedName(tt.base, 2026); got != tt.want {
			t.Errorf("yearPrefixedName(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}
