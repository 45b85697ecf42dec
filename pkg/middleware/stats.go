package middleware

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// AdmissionEvent はGateの判定1件分の記録。
// キーやパスは記録しない。Redis上のキー数が利用者数に比例して増えるのを避けるため。
type AdmissionEvent struct {
	// Outcome は "allowed" または拒否理由のコード。
	Outcome string
	// Method はHTTPメソッド。
	Method string
	// At は判定した時刻。
	At time.Time
}

// StatsRecorder は受付判定の統計を記録する。
// 記録はベストエフォートであり、失敗してもリクエストの受付には影響しない。
type StatsRecorder interface {
	Record(ctx context.Context, ev AdmissionEvent) error
	// Counts は判定結果ごとの累計件数を返す。
	Counts(ctx context.Context) (map[string]int64, error)
}

var (
	// ErrStatsQueueFull は記録待ちの件数が上限に達し、記録を捨てたことを表す。
	ErrStatsQueueFull = errors.New("middleware: admission stats queue is full")
	// ErrStatsClosed はClose後に記録しようとしたことを表す。
	ErrStatsClosed = errors.New("middleware: admission stats recorder is closed")
)

const (
	// DefaultStatsBuffer はAsyncStatsが保持する記録待ちの件数の上限。
	DefaultStatsBuffer = 1024
	// DefaultStatsWriteTimeout はAsyncStatsが1件の記録に使う時間の上限。
	DefaultStatsWriteTimeout = 500 * time.Millisecond
)

// AsyncStats は記録を別のgoroutineで書き込むStatsRecorder。
// Recordは待たずに戻るため、記録先が遅い場合や応答しない場合でも受付判定は遅れない。
// 記録待ちが上限に達した場合は新しい記録を捨てる。
type AsyncStats struct {
	inner   StatsRecorder
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan AdmissionEvent
	done   chan struct{}
	once   sync.Once
}

// asyncStatsConfig はAsyncStatsの生成時の設定。
type asyncStatsConfig struct {
	buffer  int
	timeout time.Duration
	logger  *zap.Logger
}

// AsyncStatsOption はAsyncStatsの設定を変更する関数。
type AsyncStatsOption func(*asyncStatsConfig)

// WithStatsBuffer は記録待ちの件数の上限を設定する。0以下の場合はデフォルト値を使う。
func WithStatsBuffer(n int) AsyncStatsOption {
	return func(c *asyncStatsConfig) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// WithStatsWriteTimeout は1件の記録に使う時間の上限を設定する。0以下の場合はデフォルト値を使う。
func WithStatsWriteTimeout(d time.Duration) AsyncStatsOption {
	return func(c *asyncStatsConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithStatsLogger は記録の失敗を出力するロガーを設定する。
func WithStatsLogger(logger *zap.Logger) AsyncStatsOption {
	return func(c *asyncStatsConfig) { c.logger = logger }
}

// NewAsyncStats はinnerへの書き込みを別のgoroutineで行うAsyncStatsを生成し、書き込みを開始する。
// 使い終わったらCloseで停止する。
func NewAsyncStats(inner StatsRecorder, opts ...AsyncStatsOption) *AsyncStats {
	cfg := asyncStatsConfig{
		buffer:  DefaultStatsBuffer,
		timeout: DefaultStatsWriteTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &AsyncStats{
		inner:   inner,
		timeout: cfg.timeout,
		logger:  cfg.logger,
		queue:   make(chan AdmissionEvent, cfg.buffer),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Record は記録を書き込み待ちに追加してすぐに戻る。ctxは使わない。
func (s *AsyncStats) Record(_ context.Context, ev AdmissionEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStatsClosed
	}
	select {
	case s.queue <- ev:
		return nil
	default:
		return ErrStatsQueueFull
	}
}

// Counts は書き込み先の累計件数を返す。書き込み待ちの記録は含まない。
func (s *AsyncStats) Counts(ctx context.Context) (map[string]int64, error) {
	return s.inner.Counts(ctx)
}

// Close は新しい記録の受け付けを止め、書き込み待ちの記録を書き終えるまで待つ。
// 複数回呼び出しても安全。
func (s *AsyncStats) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})
	<-s.done
}

// run は書き込み待ちの記録を順にinnerへ書き込む。
func (s *AsyncStats) run() {
	defer close(s.done)
	for ev := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.inner.Record(ctx, ev); err != nil {
			s.logger.Debug("受付統計の記録に失敗", zap.String("outcome", ev.Outcome), zap.Error(err))
		}
		cancel()
	}
}

// MemoryStats はプロセス内のメモリに統計を保持するStatsRecorder。
// Redisを使わない開発環境とテストで使う。
type MemoryStats struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemoryStats は新しいMemoryStatsを生成する。
func NewMemoryStats() *MemoryStats {
	return &MemoryStats{counts: make(map[string]int64)}
}

// Record は判定結果の件数を1増やす。
func (s *MemoryStats) Record(_ context.Context, ev AdmissionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[ev.Outcome]++
	return nil
}

// Counts は判定結果ごとの累計件数のコピーを返す。
func (s *MemoryStats) Counts(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out, nil
}

// RedisStats はRedisのハッシュに統計を記録するStatsRecorder。
// 累計と分単位のバケットを持ち、バケットはttl経過で消える。
type RedisStats struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

// RedisStatsOption はRedisStatsの設定を変更する関数。
type RedisStatsOption func(*RedisStats)

// WithStatsPrefix はRedisキーの接頭辞を設定する。
func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStats) { s.prefix = strings.Trim(prefix, ":") }
}

// WithStatsTTL は分単位バケットの保持期間を設定する。
func WithStatsTTL(ttl time.Duration) RedisStatsOption {
	return func(s *RedisStats) { s.ttl = ttl }
}

// NewRedisStats は新しいRedisStatsを生成する。
func NewRedisStats(rdb redis.Cmdable, opts ...RedisStatsOption) *RedisStats {
	s := &RedisStats{
		rdb:    rdb,
		prefix: "meishi:admission",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// totalKey は累計を保持するハッシュのキー。
func (s *RedisStats) totalKey() string {
	return s.prefix + ":total"
}

// bucketKey はatが属する分単位バケットのキー。
func (s *RedisStats) bucketKey(at time.Time) string {
	return fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
}

// Record は累計と分単位バケットの件数をパイプラインでまとめて増やす。
func (s *RedisStats) Record(ctx context.Context, ev AdmissionEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.totalKey(), ev.Outcome, 1)
	bucket := s.bucketKey(at)
	pipe.HIncrBy(ctx, bucket, ev.Outcome, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, bucket, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("受付統計のRedisへの記録に失敗: %w", err)
	}
	return nil
}

// Counts は累計件数をRedisから取得する。
func (s *RedisStats) Counts(ctx context.Context) (map[string]int64, error) {
	if s == nil || s.rdb == nil {
		return map[string]int64{}, nil
	}
	raw, err := s.rdb.HGetAll(ctx, s.totalKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("受付統計のRedisからの取得に失敗: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

// ConnectRedis はURL（redis://...）またはhost:port形式のアドレスからRedisクライアントを生成し、
// 疎通を確認する。
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var opt *redis.Options
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("RedisのURLの解析に失敗: %w", err)
		}
		opt = parsed
	} else {
		opt = &redis.Options{Addr: redisURL}
	}

	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return rdb, nil
}
