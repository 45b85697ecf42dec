package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Decision はAllowの判定結果。
type Decision struct {
	// Admitted はリクエストを受け付けるかどうか。
	Admitted bool
	// RetryAfter は拒否時に次のウィンドウが始まるまでの時間。0以上。
	RetryAfter time.Duration
	// Limit はウィンドウあたりの上限。
	Limit int
	// Remaining は現在のウィンドウで受け付け可能な残り回数。
	Remaining int
	// ResetAt は現在のウィンドウが終わる時刻。
	ResetAt time.Time
}

// RetryAfterMs はRetryAfterをミリ秒で返す。
func (d Decision) RetryAfterMs() int64 {
	return d.RetryAfter.Milliseconds()
}

// entry はキーごとのウィンドウ状態。muで保護する。
type entry struct {
	mu sync.Mutex
	// windowStart は現在のウィンドウの開始時刻。
	windowStart time.Time
	// window はウィンドウの長さ。
	window time.Duration
	// count は windowStart 以降に受け付けたリクエスト数。
	count int
	// evicted は掃除処理によってマップから外されたことを示す。
	// 外されたエントリを掴んだAllowは新しいエントリで再試行する。
	evicted bool
}

// expired はnow時点でウィンドウが終わっているかを返す。
func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.windowStart.Add(e.window))
}

// Limiter はキーごとのリクエスト数を数える。
// プロセスごとに1つ生成し、参照を共有して使う。
type Limiter struct {
	// entries はキーから*entryへのマップ。
	entries sync.Map
	now     func() time.Time
	logger  *zap.Logger
}

// Option はLimiterの設定を変更する関数。
type Option func(*Limiter)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger は掃除処理のログ出力先を設定する。
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New は新しいLimiterを生成する。
func New(opts ...Option) *Limiter {
	l := &Limiter{
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow はkeyに対するリクエストを1件数え、受け付けるかどうかを判定する。
//
// エントリが無いか、現在時刻が windowStart + window を過ぎていればウィンドウを開始し直す。
// 受け付けるのは加算後のカウントが limit 以下の場合のみで、拒否したリクエストは数えない。
// limitやwindowが0以下の場合は常に拒否する。
func (l *Limiter) Allow(key string, limit int, window time.Duration) Decision {
	if limit <= 0 || window <= 0 {
		return Decision{Admitted: false, Limit: limit}
	}

	for {
		now := l.now()
		e := l.load(key, now, window)

		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}

		e.window = window
		if e.expired(now) {
			e.windowStart = now
			e.count = 0
		}
		resetAt := e.windowStart.Add(e.window)

		if e.count+1 > limit {
			retryAfter := resetAt.Sub(now)
			if retryAfter < 0 {
				retryAfter = 0
			}
			e.mu.Unlock()
			return Decision{
				Admitted:   false,
				RetryAfter: retryAfter,
				Limit:      limit,
				Remaining:  0,
				ResetAt:    resetAt,
			}
		}

		e.count++
		remaining := limit - e.count
		e.mu.Unlock()
		return Decision{
			Admitted:  true,
			Limit:     limit,
			Remaining: remaining,
			ResetAt:   resetAt,
		}
	}
}

// load はkeyのエントリを取得し、無ければ新規に登録する。
func (l *Limiter) load(key string, now time.Time, window time.Duration) *entry {
	if v, ok := l.entries.Load(key); ok {
		return v.(*entry)
	}
	v, _ := l.entries.LoadOrStore(key, &entry{windowStart: now, window: window})
	return v.(*entry)
}

// Reset はkeyのウィンドウ状態を破棄する。
func (l *Limiter) Reset(key string) {
	v, ok := l.entries.Load(key)
	if !ok {
		return
	}
	e := v.(*entry)
	e.mu.Lock()
	e.evicted = true
	l.entries.CompareAndDelete(key, e)
	e.mu.Unlock()
}

// Sweep はウィンドウが終わっているエントリをすべて削除し、削除した件数を返す。
// ウィンドウ終了後にリクエストが来たエントリはAllowで開始し直されているため対象にならない。
func (l *Limiter) Sweep() int {
	now := l.now()
	removed := 0
	l.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.evicted && e.expired(now) {
			e.evicted = true
			if l.entries.CompareAndDelete(k, e) {
				removed++
			}
		}
		e.mu.Unlock()
		return true
	})
	return removed
}

// Len は現在保持しているキーの数を返す。
func (l *Limiter) Len() int {
	n := 0
	l.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
