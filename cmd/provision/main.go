package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"

	"github.com/dvloznov/risk-monitor/internal/config"
	"github.com/dvloznov/risk-monitor/internal/logger"
	"github.com/dvloznov/risk-monitor/internal/sink"
)

// catalog is the slice of BigQuery metadata calls provisioning needs.
type catalog interface {
	DatasetExists(ctx context.Context) (bool, error)
	CreateDataset(ctx context.Context) error
	TableExists(ctx context.Context, name string) (bool, error)
	CreateTable(ctx context.Context, name string, md *bigquery.TableMetadata) error
}

func main() {
	configPath := flag.String("config", os.Getenv("RISKMON_CONFIG"), "Path to YAML config (or set RISKMON_CONFIG env)")
	dryRun := flag.Bool("dry-run", false, "Only report which tables would be created")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		l := logger.New(zerolog.InfoLevel)
		l.Fatal().Err(err).Msg("Failed to load config")
	}
	level, _ := logger.ParseLevel(cfg.Log.Level)
	log := logger.New(level)

	exp := cfg.Export
	if exp.ProjectID == "" || exp.Dataset == "" || exp.Table == "" {
		log.Fatal().Msg("export.project_id, export.dataset and export.table are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	client, err := bigquery.NewClient(ctx, exp.ProjectID, sink.ClientOptions(exp.CredentialsFile)...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create BigQuery client")
	}
	defer client.Close()

	log.Info().
		Str("project", exp.ProjectID).
		Str("dataset", exp.Dataset).
		Bool("dry_run", *dryRun).
		Msg("Connected to BigQuery")

	created, err := provision(ctx, &bqCatalog{client: client, dataset: exp.Dataset}, exp.Table, *dryRun, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Provisioning failed")
	}

	if created == 0 {
		log.Info().Msg("No tables to create, export tables are up to date")
		return
	}
	log.Info().Int("tables", created).Msg("Export tables provisioned")
}

// provision creates the dataset and every missing export table. Existing
// tables are left alone. It returns how many tables were (or would be) created.
func provision(ctx context.Context, c catalog, base string, dryRun bool, log zerolog.Logger) (int, error) {
	exists, err := c.DatasetExists(ctx)
	if err != nil {
		return 0, fmt.Errorf("checking dataset: %w", err)
	}
	if !exists {
		log.Info().Msg("[RUN]  create dataset")
		if !dryRun {
			if err := c.CreateDataset(ctx); err != nil {
				return 0, fmt.Errorf("creating dataset: %w", err)
			}
		}
	}

	created := 0
	for _, tbl := range sink.ExportTables(base) {
		// A missing dataset has no tables yet.
		if exists {
			found, err := c.TableExists(ctx, tbl.Name)
			if err != nil {
				return created, fmt.Errorf("checking table %s: %w", tbl.Name, err)
			}
			if found {
				log.Info().Str("table", tbl.Name).Msg("[SKIP] already exists")
				continue
			}
		}

		log.Info().Str("table", tbl.Name).Int("fields", len(tbl.Schema)).Msg("[RUN]  create table")
		if !dryRun {
			md := &bigquery.TableMetadata{
				Name:             tbl.Name,
				Description:      fmt.Sprintf("Risk monitor %s exports (%s)", tbl.Dataset, tbl.Format),
				Schema:           tbl.Schema,
				TimePartitioning: &bigquery.TimePartitioning{Type: bigquery.DayPartitioningType, Field: "ts"},
				Labels:           map[string]string{"source": "risk-monitor"},
			}
			if err := c.CreateTable(ctx, tbl.Name, md); err != nil {
				return created, fmt.Errorf("creating table %s: %w", tbl.Name, err)
			}
			log.Info().Str("table", tbl.Name).Msg("[OK]   created")
		}
		created++
	}
	return created, nil
}

type bqCatalog struct {
	client  *bigquery.Client
	dataset string
}

func (b *bqCatalog) DatasetExists(ctx context.Context) (bool, error) {
	_, err := b.client.Dataset(b.dataset).Metadata(ctx)
	return found(err)
}

func (b *bqCatalog) CreateDataset(ctx context.Context) error {
	return b.client.Dataset(b.dataset).Create(ctx, &bigquery.DatasetMetadata{
		Description: "Risk monitor exports",
		Labels:      map[string]string{"source": "risk-monitor"},
	})
}

func (b *bqCatalog) TableExists(ctx context.Context, name string) (bool, error) {
	_, err := b.client.Dataset(b.dataset).Table(name).Metadata(ctx)
	return found(err)
}

func (b *bqCatalog) CreateTable(ctx context.Context, name string, md *bigquery.TableMetadata) error {
	return b.client.Dataset(b.dataset).Table(name).Create(ctx, md)
}

// found maps a metadata lookup error to existence; 404 means absent.
func found(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return false, nil
	}
	return false, err
}
