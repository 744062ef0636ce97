package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/config"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
)

const metadataTimeout = 10 * time.Second

var errNotInitialized = errors.New("bigquery client not initialized")

// TableSpec describes a table the client owns. Row is a struct (or pointer)
// whose bigquery tags define the schema used when the table has to be created.
type TableSpec struct {
	Name        string
	Row         any
	PartitionBy string
	ClusterBy   []string
}

// Keyed rows supply a best-effort insert id, letting BigQuery drop a row that
// a redelivered event streams a second time.
type Keyed interface {
	InsertID() string
}

type Pinger interface {
	Ping(context.Context) error
}

type Client struct {
	client  *bigquery.Client
	dataset *bigquery.Dataset
	tables  []TableSpec
}

// NewClient connects to the configured dataset, which must already exist, and
// creates any of tables that are missing.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.BigQueryConfig, logg *logger.Logger, tables ...TableSpec) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	datasetID := strings.TrimSpace(cfg.Dataset)
	switch {
	case projectID == "":
		return nil, errors.New("gcp project id is required")
	case datasetID == "":
		return nil, errors.New("bigquery dataset is required")
	case len(tables) == 0:
		return nil, errors.New("at least one bigquery table is required")
	}
	for _, t := range tables {
		if strings.TrimSpace(t.Name) == "" {
			return nil, errors.New("bigquery table name is required")
		}
	}

	raw, err := bigquery.NewClient(ctx, projectID, clientOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}
	c := &Client{client: raw, dataset: raw.Dataset(datasetID), tables: tables}
	if err := c.ensureTables(ctx, logg); err != nil {
		_ = raw.Close()
		return nil, err
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "dataset", datasetID), "bigquery client initialized")
	}
	return c, nil
}

func clientOptions(gcp config.GCPConfig) []option.ClientOption {
	switch {
	case strings.TrimSpace(gcp.CredentialsJSON) != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(gcp.CredentialsJSON))}
	case strings.TrimSpace(gcp.ApplicationCredentials) != "":
		return []option.ClientOption{option.WithCredentialsFile(gcp.ApplicationCredentials)}
	}
	return nil
}

// tableMetadata builds the create request for a missing table.
func tableMetadata(ts TableSpec) (*bigquery.TableMetadata, error) {
	if ts.Row == nil {
		return nil, fmt.Errorf("table %q does not exist and has no row type to create it from", ts.Name)
	}
	schema, err := bigquery.InferSchema(ts.Row)
	if err != nil {
		return nil, fmt.Errorf("inferring schema for %q: %w", ts.Name, err)
	}
	meta := &bigquery.TableMetadata{Name: ts.Name, Schema: schema}
	if ts.PartitionBy != "" {
		meta.TimePartitioning = &bigquery.TimePartitioning{Type: bigquery.DayPartitioningType, Field: ts.PartitionBy}
	}
	if len(ts.ClusterBy) > 0 {
		meta.Clustering = &bigquery.Clustering{Fields: ts.ClusterBy}
	}
	return meta, nil
}

func (c *Client) ensureTables(ctx context.Context, logg *logger.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	if _, err := c.dataset.Metadata(ctx); err != nil {
		return fmt.Errorf("checking dataset %q: %w", c.dataset.DatasetID, err)
	}
	for _, ts := range c.tables {
		table := c.dataset.Table(ts.Name)
		_, err := table.Metadata(ctx)
		if err == nil {
			continue
		}
		if !isNotFound(err) {
			return fmt.Errorf("checking table %q: %w", ts.Name, err)
		}
		meta, err := tableMetadata(ts)
		if err != nil {
			return err
		}
		if err := table.Create(ctx, meta); err != nil {
			return fmt.Errorf("creating table %q: %w", ts.Name, err)
		}
		if logg != nil {
			logg.Info(logg.WithField(ctx, "table", ts.Name), "bigquery table created")
		}
	}
	return nil
}

// Ping checks the dataset is still reachable.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.dataset == nil {
		return errNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()
	_, err := c.dataset.Metadata(ctx)
	return err
}

// InsertRows streams rows into table.
func (c *Client) InsertRows(ctx context.Context, table string, rows []any) error {
	if c == nil || c.client == nil {
		return errNotInitialized
	}
	if len(rows) == 0 {
		return nil
	}
	savers := make([]bigquery.ValueSaver, 0, len(rows))
	for _, row := range rows {
		saver, err := saverFor(row)
		if err != nil {
			return err
		}
		savers = append(savers, saver)
	}
	return c.dataset.Table(strings.TrimSpace(table)).Inserter().Put(ctx, savers)
}

func saverFor(row any) (bigquery.ValueSaver, error) {
	if vs, ok := row.(bigquery.ValueSaver); ok {
		return vs, nil
	}
	schema, err := bigquery.InferSchema(row)
	if err != nil {
		return nil, fmt.Errorf("inferring row schema: %w", err)
	}
	saver := &bigquery.StructSaver{Struct: row, Schema: schema}
	if keyed, ok := row.(Keyed); ok {
		saver.InsertID = keyed.InsertID()
	}
	return saver, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
