package sheets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/config"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
)

const (
	valueInputUserEntered = "USER_ENTERED"
	insertDataInsertRows  = "INSERT_ROWS"
)

var errSpreadsheetRequired = errors.New("ledger spreadsheet id is required")

// Client reads and appends rows of one spreadsheet.
type Client struct {
	svc           *gsheets.Service
	spreadsheetID string
}

// NewClient builds a Sheets client. Credentials come from the ledger section
// first, then the shared GCP section. Extra options are appended last so tests
// can point the client at a local server.
func NewClient(ctx context.Context, cfg config.LedgerConfig, gcp config.GCPConfig, logg *logger.Logger, extra ...option.ClientOption) (*Client, error) {
	spreadsheetID := strings.TrimSpace(cfg.SpreadsheetID)
	if spreadsheetID == "" {
		return nil, errSpreadsheetRequired
	}

	opts := []option.ClientOption{option.WithScopes(gsheets.SpreadsheetsScope)}
	switch {
	case strings.TrimSpace(cfg.CredentialsJSON) != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case strings.TrimSpace(gcp.CredentialsJSON) != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(gcp.CredentialsJSON)))
	case strings.TrimSpace(gcp.ApplicationCredentials) != "":
		opts = append(opts, option.WithCredentialsFile(gcp.ApplicationCredentials))
	}
	opts = append(opts, extra...)

	svc, err := gsheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating sheets client: %w", err)
	}

	if logg != nil {
		logg.Info(ctx, "sheets client initialized")
	}
	return &Client{svc: svc, spreadsheetID: spreadsheetID}, nil
}

// ReadRange returns the cell values of an A1 range, row by row.
func (c *Client) ReadRange(ctx context.Context, rangeA1 string) ([][]any, error) {
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rangeA1).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read range %s: %w", rangeA1, err)
	}
	return resp.Values, nil
}

// AppendRow appends one row after the table found in rangeA1, inserting new
// rows rather than overwriting.
func (c *Client) AppendRow(ctx context.Context, rangeA1 string, row []any) error {
	body := &gsheets.ValueRange{Values: [][]any{row}}
	_, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, rangeA1, body).
		ValueInputOption(valueInputUserEntered).
		InsertDataOption(insertDataInsertRows).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("append row to %s: %w", rangeA1, err)
	}
	return nil
}
