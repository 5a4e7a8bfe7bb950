package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"egress-runner/pkg/models"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.DBName,
		c.SSLMode,
	)
}

type DB struct {
	*bun.DB
}

func NewDB(cfg Config) (*DB, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN())))

	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	return &DB{db}, nil
}

// InitSchema creates the necessary tables if they don't exist
func (db *DB) InitSchema(ctx context.Context) error {
	for _, model := range []interface{}{(*models.ProxyRecord)(nil), (*models.RunRecord)(nil)} {
		_, err := db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to create table: %v", err)
		}
	}

	_, err := db.NewCreateIndex().
		Model((*models.RunRecord)(nil)).
		Index("run_records_batch_id_idx").
		Column("batch_id").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create index: %v", err)
	}

	return nil
}

// UpsertProxies stores catalog entries, replacing connection details of existing labels.
// Measured latency is kept unless the incoming record carries one.
func (db *DB) UpsertProxies(ctx context.Context, proxies []models.ProxyRecord) error {
	if len(proxies) == 0 {
		return nil
	}

	_, err := db.NewInsert().
		Model(&proxies).
		On("CONFLICT (label) DO UPDATE").
		Set("address = EXCLUDED.address").
		Set("username = EXCLUDED.username").
		Set("password = EXCLUDED.password").
		Set("prefix = EXCLUDED.prefix").
		Set("type = EXCLUDED.type").
		Set("class = EXCLUDED.class").
		Set("country = EXCLUDED.country").
		Set("latency_ms = COALESCE(EXCLUDED.latency_ms, p.latency_ms)").
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error upserting proxies: %v", err)
	}

	return nil
}

func (db *DB) GetProxies(ctx context.Context) ([]models.ProxyRecord, error) {
	var proxies []models.ProxyRecord
	err := db.NewSelect().
		Model(&proxies).
		Order("label ASC").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error getting proxies: %v", err)
	}

	return proxies, nil
}

var updateMutex sync.Mutex

func (db *DB) UpdateProxyLatency(ctx context.Context, label string, latency time.Duration) error {
	updateMutex.Lock()
	defer updateMutex.Unlock()

	_, err := db.NewUpdate().
		Model((*models.ProxyRecord)(nil)).
		Set("latency_ms = ?", latency.Milliseconds()).
		Where("label = ?", label).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error updating proxy latency: %v", err)
	}

	return nil
}

// InsertRunRecord mirrors an audit log entry into the run_records table.
func (db *DB) InsertRunRecord(ctx context.Context, record *models.RunRecord) error {
	_, err := db.NewInsert().
		Model(record).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error inserting run record: %v", err)
	}

	return nil
}

func (db *DB) GetRunRecordsByBatch(ctx context.Context, batchID string) ([]models.RunRecord, error) {
	var records []models.RunRecord
	err := db.NewSelect().
		Model(&records).
		Where("batch_id = ?", batchID).
		Order("run_number ASC").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error retrieving run records: %v", err)
	}

	return records, nil
}
