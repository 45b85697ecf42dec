package migration

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

// openTestDB はテスト用の一時SQLiteデータベースを開く。
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("データベース接続に失敗: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestRun はマイグレーションの適用を検証する。
func TestRun(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"migrations/000002_add_index.up.sql":      {Data: []byte("CREATE INDEX idx_items_name ON items(name);")},
		"migrations/000001_create_items.up.sql":   {Data: []byte("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL);")},
		"migrations/000001_create_items.down.sql": {Data: []byte("DROP TABLE items;")},
		"migrations/README.md":                    {Data: []byte("無視される")},
	}

	t.Run("未適用のマイグレーションをバージョン順に適用すること", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		ctx := context.Background()

		n, err := Run(ctx, db, fsys, "migrations")
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if n != 2 {
			t.Errorf("適用件数 = %d, want 2", n)
		}

		applied, err := AppliedVersions(ctx, db)
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if !applied[1] || !applied[2] {
			t.Errorf("applied = %v, want 1と2", applied)
		}
		if _, err := db.ExecContext(ctx, "INSERT INTO items (name) VALUES ('名刺')"); err != nil {
			t.Errorf("テーブルが作成されていない: %v", err)
		}
	})

	t.Run("2回目の実行では何も適用しないこと", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		ctx := context.Background()

		if _, err := Run(ctx, db, fsys, "migrations"); err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		n, err := Run(ctx, db, fsys, "migrations")
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if n != 0 {
			t.Errorf("適用件数 = %d, want 0", n)
		}
	})

	t.Run("SQLが不正な場合はエラーを返しバージョンを記録しないこと", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		ctx := context.Background()
		broken := fstest.MapFS{
			"m/000001_broken.up.sql": {Data: []byte("CREATE TABLE (")},
		}

		if _, err := Run(ctx, db, broken, "m"); err == nil {
			t.Fatal("エラーが返されなかった")
		}
		applied, err := AppliedVersions(ctx, db)
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if applied[1] {
			t.Error("失敗したマイグレーションが記録された")
		}
	})

	t.Run("バージョンが重複している場合はエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		dup := fstest.MapFS{
			"m/000001_a.up.sql": {Data: []byte("CREATE TABLE a (id INTEGER);")},
			"m/000001_b.up.sql": {Data: []byte("CREATE TABLE b (id INTEGER);")},
		}

		if _, err := Run(context.Background(), db, dup, "m"); err == nil {
			t.Error("エラーが返されなかった")
		}
	})

	t.Run("ディレクトリが無い場合はエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		if _, err := Run(context.Background(), db, fstest.MapFS{}, "missing"); err == nil {
			t.Error("エラーが返されなかった")
		}
	})
}
