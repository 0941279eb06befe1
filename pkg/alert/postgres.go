package alert

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const insertFindingSQL = `
	INSERT INTO findings
	(id, created_at, chain_id, block_number, tx_hash, alert_id, name, description, severity, finding_type, subject, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO NOTHING;
`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink 把告警写入 findings 表
type PostgresSink struct {
	pool *pgxpool.Pool
	db   execer
}

// ConnectPostgres 创建连接池并初始化表结构
func ConnectPostgres(ctx context.Context, connStr string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	s := &PostgresSink{pool: pool, db: pool}
	if err := s.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Println("[Alert] Connected to PostgreSQL finding store")
	return s, nil
}

// InitSchema 执行内置的建表语句
func (s *PostgresSink) InitSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	return nil
}

func (s *PostgresSink) Name() string { return "postgres" }

// Send 写入一条告警
func (s *PostgresSink) Send(ctx context.Context, record Record) error {
	metadata, err := json.Marshal(record.Finding.Metadata)
	if err != nil {
		return err
	}
	f := record.Finding
	_, err = s.db.Exec(ctx, insertFindingSQL,
		record.ID,
		record.Timestamp,
		int64(record.Origin.ChainID),
		int64(record.Origin.BlockNumber),
		record.Origin.TxHash,
		f.AlertID,
		f.Name,
		f.Description,
		f.Severity.String(),
		f.Type.String(),
		f.Subject(),
		metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert finding: %w", err)
	}
	return nil
}

// Close 关闭连接池
func (s *PostgresSink) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
