package gateway

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

// newTestHistoryStore はテスト用の一時SQLiteに履歴ストアを開く。
func newTestHistoryStore(t *testing.T) *HistoryStore {
	t.Helper()

	store, err := OpenHistoryStore(context.Background(), filepath.Join(t.TempDir(), "history.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("履歴ストアのオープンに失敗: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestHistoryStore はヘルスチェック履歴の保存と取得を検証する。
func TestHistoryStore(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	t.Run("保存した結果を新しい順に取得できること", func(t *testing.T) {
		t.Parallel()

		store := newTestHistoryStore(t)
		ctx := context.Background()
		err := store.RecordChecks(ctx, []CheckResult{
			{Service: "cards", Status: StatusAvailable, Latency: 12 * time.Millisecond, CheckedAt: base},
			{Service: "auth", Status: StatusDegraded, Latency: 30 * time.Millisecond, CheckedAt: base.Add(time.Second)},
			{Service: "cards", Status: StatusUnavailable, Latency: time.Second, CheckedAt: base.Add(2 * time.Second)},
		})
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}

		got, err := store.Recent(ctx, "", 10)
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("件数 = %d, want 3", len(got))
		}
		if got[0].Service != "cards" || got[0].Status != StatusUnavailable {
			t.Errorf("got[0] = %+v, want cards/unavailable", got[0])
		}
		if got[0].LatencyMs != 1000 {
			t.Errorf("LatencyMs = %d, want 1000", got[0].LatencyMs)
		}
		if !got[2].CheckedAt.Equal(base) {
			t.Errorf("CheckedAt = %v, want %v", got[2].CheckedAt, base)
		}
	})

	t.Run("サービス名で絞り込めること", func(t *testing.T) {
		t.Parallel()

		store := newTestHistoryStore(t)
		ctx := context.Background()
		_ = store.RecordChecks(ctx, []CheckResult{
			{Service: "cards", Status: StatusAvailable, CheckedAt: base},
			{Service: "auth", Status: StatusAvailable, CheckedAt: base},
			{Service: "cards", Status: StatusAvailable, CheckedAt: base.Add(time.Minute)},
		})

		got, err := store.Recent(ctx, "cards", 0)
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("件数 = %d, want 2", len(got))
		}
		for _, r := range got {
			if r.Service != "cards" {
				t.Errorf("Service = %q, want %q", r.Service, "cards")
			}
		}
	})

	t.Run("limitで件数を制限できること", func(t *testing.T) {
		t.Parallel()

		store := newTestHistoryStore(t)
		ctx := context.Background()
		results := make([]CheckResult, 0, 5)
		for i := range 5 {
			results = append(results, CheckResult{Service: "upload", Status: StatusAvailable, CheckedAt: base.Add(time.Duration(i) * time.Second)})
		}
		_ = store.RecordChecks(ctx, results)

		got, err := store.Recent(ctx, "upload", 2)
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if len(got) != 2 {
			t.Errorf("件数 = %d, want 2", len(got))
		}
	})

	t.Run("同じファイルを開き直してもマイグレーションが失敗しないこと", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "reopen.db")
		for range 2 {
			store, err := OpenHistoryStore(context.Background(), path, zap.NewNop())
			if err != nil {
				t.Fatalf("履歴ストアのオープンに失敗: %v", err)
			}
			_ = store.Close()
		}
	})

	t.Run("Aggregatorの結果を記録できること", func(t *testing.T) {
		t.Parallel()

		store := newTestHistoryStore(t)
		agg := NewAggregator(newTestRegistry(t, testServices()), &fakeProber{}, WithRecorder(store))
		if _, err := agg.CheckHealth(context.Background()); err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}

		got, err := store.Recent(context.Background(), "", 0)
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if len(got) != 3 {
			t.Errorf("件数 = %d, want 3", len(got))
		}
	})
}
