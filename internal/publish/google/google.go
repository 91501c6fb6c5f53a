// Package google exports recorded heading results to a Google Sheets tab.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"participa/internal/core"
	"participa/internal/ports"
)

const defaultResultsSheet = "Results"

// Client appends one row per result line to the results sheet.
type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	resultsSheet  string
}

var _ ports.ResultPublisher = (*Client)(nil)

// NewFromEnv creates a Sheets client using environment variables.
// Required: GOOGLE_SPREADSHEET_ID
// Optional: GOOGLE_RESULTS_SHEET_NAME (default "Results"), prefixed with the
// current year unless it already starts with one.
func NewFromEnv(ctx context.Context) (*Client, error) {
	spreadsheetID := strings.TrimSpace(os.Getenv("GOOGLE_SPREADSHEET_ID"))
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}

	sheetBase := strings.TrimSpace(os.Getenv("GOOGLE_RESULTS_SHEET_NAME"))
	if sheetBase == "" {
		sheetBase = defaultResultsSheet
	}

	svc, err := newSheetsService(ctx)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}

	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		resultsSheet:  yearPrefixedName(sheetBase, time.Now().Year()),
	}, nil
}

// newSheetsService initializes a Sheets Service using Service Account credentials.
// Uses GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS.
func newSheetsService(ctx context.Context) (*gsheet.Service, error) {
	serviceAccountJSON := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"))
	serviceAccountFile := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"))
	if serviceAccountJSON == "" && serviceAccountFile == "" {
		serviceAccountFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	var credentialsJSON []byte
	var err error

	switch {
	case serviceAccountJSON != "":
		credentialsJSON = []byte(serviceAccountJSON)
	case serviceAccountFile != "":
		credentialsJSON, err = os.ReadFile(serviceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}

	slog.InfoContext(ctx, "Creating Google Sheets service with Service Account",
		"credentials_size", len(credentialsJSON),
		"scope", gsheet.SpreadsheetsScope)

	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return service, nil
}

// PublishResult appends the result lines below the existing rows.
func (c *Client) PublishResult(ctx context.Context, budget core.Budget, heading core.Heading, result core.Result) error {
	if c.svc == nil {
		return errors.New("sheets service not initialized")
	}

	rows := resultRows(budget, heading, result)
	if len(rows) == 0 {
		return nil
	}

	rng := fmt.Sprintf("%s!A:K", c.resultsSheet)
	vr := &gsheet.ValueRange{Values: rows}
	resp, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, rng, vr).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("append to sheet %s: %w", c.resultsSheet, err)
	}

	ref := ""
	if resp.Updates != nil {
		ref = resp.Updates.UpdatedRange
	}
	slog.InfoContext(ctx, "Published heading result to Google Sheets",
		"heading_id", result.HeadingID,
		"run_id", result.RunID,
		"rows", len(rows),
		"range", ref)
	return nil
}

// resultRows lays out one row per result line, in rank order.
// Columns: calculated at, budget, heading, run, rank, investment, cost,
// support, selected, reason, voting style.
func resultRows(budget core.Budget, heading core.Heading, result core.Result) [][]any {
	calculatedAt := result.CalculatedAt.UTC().Format(time.RFC3339)
	rows := make([][]any, 0, len(result.Lines))
	for _, line := range result.Lines {
		selected := "no"
		if line.Selected {
			selected = "yes"
		}
		rows = append(rows, []any{
			calculatedAt,
			budget.Name,
			heading.Name,
			result.RunID,
			line.Rank,
			line.InvestmentID,
			centsToDecimal(line.CostCents),
			line.Support,
			selected,
			string(line.Reason),
			string(result.VotingStyle),
		})
	}
	return rows
}

// centsToDecimal renders cents with a dot separator so USER_ENTERED input
// parses as a number regardless of the sheet locale.
func centsToDecimal(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// yearPrefixedName returns "<year> <base>" unless base already starts with a 4-digit year.
func yearPrefixedName(base string, year int) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return base
	}
	if len(base) >= 5 {
		if y, err := strconv.Atoi(base[0:4]); err == nil && base[4] == ' ' && y > 1900 && y < 3000 {
			return base
		}
	}
	return fmt.Sprintf("%d %s", year, base)
}
