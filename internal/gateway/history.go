package gateway

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nao1215/meishi/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	// DefaultHistoryLimit は履歴取得件数を指定しなかった場合の件数。
	DefaultHistoryLimit = 50
	// MaxHistoryLimit は一度に取得できる履歴の最大件数。
	MaxHistoryLimit = 500
)

// HistoryStore はヘルスチェック結果をSQLiteに保存する。
// 日時はUnixミリ秒で保存する。
type HistoryStore struct {
	db *sql.DB
}

// OpenHistoryStore はdsnのSQLiteデータベースを開き、マイグレーションを適用する。
// dsnには ":memory:" やファイルパスを指定できる。
func OpenHistoryStore(ctx context.Context, dsn string, logger *zap.Logger) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// SQLiteは書き込みを直列化するため接続は1つに絞る
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースの設定に失敗: %w", err)
	}
	if _, err := migration.Run(ctx, db, migrationsFS, "migrations", migration.WithLogger(logger)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// RecordChecks はヘルスチェック結果をまとめて保存する。
func (s *HistoryStore) RecordChecks(ctx context.Context, results []CheckResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO health_checks (id, service, status, latency_ms, checked_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("クエリの準備に失敗: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range results {
		if _, err := stmt.ExecContext(ctx,
			uuid.New().String(),
			r.Service,
			string(r.Status),
			r.Latency.Milliseconds(),
			r.CheckedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("ヘルスチェック結果の保存に失敗: %w", err)
		}
	}
	return tx.Commit()
}

// Recent は新しい順にヘルスチェック結果を返す。
// serviceが空の場合は全サービスを対象にする。limitは1からMaxHistoryLimitの範囲に丸める。
func (s *HistoryStore) Recent(ctx context.Context, service string, limit int) ([]CheckResult, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)

	query := "SELECT service, status, latency_ms, checked_at FROM health_checks"
	args := []any{}
	if service != "" {
		query += " WHERE service = ?"
		args = append(args, service)
	}
	query += " ORDER BY checked_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ヘルスチェック履歴の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]CheckResult, 0, limit)
	for rows.Next() {
		var (
			r         CheckResult
			status    string
			checkedAt int64
		)
		if err := rows.Scan(&r.Service, &status, &r.LatencyMs, &checkedAt); err != nil {
			return nil, fmt.Errorf("ヘルスチェック履歴の読み取りに失敗: %w", err)
		}
		r.Status = Status(status)
		r.Latency = time.Duration(r.LatencyMs) * time.Millisecond
		r.CheckedAt = time.UnixMilli(checkedAt).UTC()
		results = append(results, r)
	}
	return results, rows.Err()
}
