package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCleanupInterval はStartCleanupに0以下の間隔を渡した場合の掃除間隔。
const DefaultCleanupInterval = time.Minute

// CleanupHandle はバックグラウンドの掃除処理を停止するためのハンドル。
// プロセスを起動したコンポーネントが保持し、終了時にStopを呼ぶ。
type CleanupHandle struct {
	// cancel は掃除ゴルーチンを停止するためのキャンセル関数。
	cancel context.CancelFunc
	// done は掃除ゴルーチンの終了時にクローズされる。
	done chan struct{}
	once sync.Once
}

// Stop は掃除処理を停止し、ゴルーチンの終了を待つ。
// 何度呼んでもよく、nilのハンドルに対しても何もしない。
func (h *CleanupHandle) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.cancel()
		<-h.done
	})
}

// StartCleanup はinterval間隔でSweepを実行するバックグラウンド処理を開始する。
// ctxがキャンセルされた場合も停止する。
func (l *Limiter) StartCleanup(ctx context.Context, interval time.Duration) *CleanupHandle {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &CleanupHandle{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		l.logger.Debug("レート制限の掃除処理を開始します", zap.Duration("interval", interval))
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				l.logger.Debug("レート制限の掃除処理を停止しました")
				return
			case <-ticker.C:
				if removed := l.Sweep(); removed > 0 {
					l.logger.Debug("期限切れのレート制限エントリを削除しました",
						zap.Int("removed", removed),
						zap.Int("remaining", l.Len()))
				}
			}
		}
	}()

	return h
}

// StopCleanup はハンドルの掃除処理を停止する。h.Stop()と同じ。
func (l *Limiter) StopCleanup(h *CleanupHandle) {
	h.Stop()
}
