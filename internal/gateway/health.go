package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultProbeTimeout はサービスごとのヘルスチェックのデフォルトタイムアウト。
const DefaultProbeTimeout = time.Second

// HealthStatus はゲートウェイ全体の総合ステータス。
type HealthStatus string

const (
	// HealthHealthy は全サービスがavailableであることを表す。
	HealthHealthy HealthStatus = "healthy"
	// HealthDegraded はunavailableは無いが、availableでないサービスがあることを表す。
	HealthDegraded HealthStatus = "degraded"
	// HealthUnhealthy はunavailableのサービスが1つ以上あることを表す。
	HealthUnhealthy HealthStatus = "unhealthy"
)

// CompositeHealthReport はヘルスチェックの総合結果。保存はせず、問い合わせごとに生成する。
type CompositeHealthReport struct {
	// Status は総合ステータス。
	Status HealthStatus `json:"status"`
	// Services はサービス名ごとの稼働状態。
	Services map[string]Status `json:"services"`
	// Timestamp は結果を生成した日時。
	Timestamp time.Time `json:"timestamp"`
}

// CheckResult は1つのサービスに対する1回のヘルスチェック結果。
type CheckResult struct {
	// Service はサービス名。
	Service string `json:"service"`
	// Status は判定した稼働状態。
	Status Status `json:"status"`
	// Latency は問い合わせに要した時間。タイムアウトした場合はタイムアウト値。
	Latency time.Duration `json:"-"`
	// LatencyMs はLatencyをミリ秒で表したもの。
	LatencyMs int64 `json:"latency_ms"`
	// CheckedAt は問い合わせを開始した日時。
	CheckedAt time.Time `json:"checked_at"`
}

// HistoryRecorder はヘルスチェック結果の記録先。
type HistoryRecorder interface {
	RecordChecks(ctx context.Context, results []CheckResult) error
}

// Aggregator は登録済みの全サービスに並行してヘルスチェックを行い、結果をまとめる。
type Aggregator struct {
	registry *Registry
	prober   Prober
	timeout  time.Duration
	recorder HistoryRecorder
	refresh  *rate.Limiter
	logger   *zap.Logger
	now      func() time.Time

	mu   sync.Mutex
	last *CompositeHealthReport
}

// AggregatorOption はAggregatorの設定を変更する関数。
type AggregatorOption func(*Aggregator)

// WithProbeTimeout はサービスごとのタイムアウトを設定する。0以下の場合はデフォルト値を使う。
func WithProbeTimeout(d time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithRecorder はヘルスチェック結果の記録先を設定する。
func WithRecorder(r HistoryRecorder) AggregatorOption {
	return func(a *Aggregator) { a.recorder = r }
}

// WithRefreshLimiter は実際に問い合わせを行う頻度の上限を設定する。
// 上限を超えた呼び出しには直近の結果を返す。
func WithRefreshLimiter(l *rate.Limiter) AggregatorOption {
	return func(a *Aggregator) { a.refresh = l }
}

// WithLogger はログ出力先を設定する。
func WithLogger(logger *zap.Logger) AggregatorOption {
	return func(a *Aggregator) { a.logger = logger }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator は新しいAggregatorを生成する。
func NewAggregator(registry *Registry, prober Prober, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		registry: registry,
		prober:   prober,
		timeout:  DefaultProbeTimeout,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Snapshot は各サービスの直近の状態のコピーを返す。
func (a *Aggregator) Snapshot() []ServiceDescriptor {
	return a.registry.Snapshot()
}

// CheckHealth は全サービスにヘルスチェックを行い、総合結果を返す。
//
// 問い合わせはサービスごとに独立したタイムアウトで並行に行い、全ての結果が揃うまで待つ。
// タイムアウトやエラーになったサービスはunavailableとして扱い、他のサービスには影響させない。
// サービスが1つも登録されていない場合はErrConfigurationを返す。
func (a *Aggregator) CheckHealth(ctx context.Context) (CompositeHealthReport, error) {
	if a.registry.Len() == 0 || a.prober == nil {
		a.logger.Error("ヘルスチェック対象のサービスが設定されていません")
		return CompositeHealthReport{}, ErrConfiguration
	}

	if a.refresh != nil && !a.refresh.Allow() {
		if last, ok := a.lastReport(); ok {
			return last, nil
		}
	}

	services := a.registry.Snapshot()
	results := make([]CheckResult, len(services))

	var g errgroup.Group
	for i, svc := range services {
		g.Go(func() error {
			results[i] = a.probeOne(ctx, svc)
			return nil
		})
	}
	_ = g.Wait()

	report := CompositeHealthReport{
		Services:  make(map[string]Status, len(results)),
		Timestamp: a.now(),
	}
	statuses := make([]Status, 0, len(results))
	for _, r := range results {
		a.registry.update(r.Service, r.Status, r.CheckedAt)
		report.Services[r.Service] = r.Status
		statuses = append(statuses, r.Status)
	}
	report.Status = Fold(statuses)

	a.storeReport(report)
	a.record(ctx, results)
	return report, nil
}

// probeOne は1つのサービスに問い合わせる。
// Proberがデッドラインを守らない場合でもタイムアウトで打ち切り、遅れて届いた結果は捨てる。
func (a *Aggregator) probeOne(ctx context.Context, svc ServiceDescriptor) CheckResult {
	start := a.now()
	pctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type outcome struct {
		status Status
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		status, err := a.prober.Probe(pctx, svc)
		ch <- outcome{status: status, err: err}
	}()

	var (
		status Status
		err    error
	)
	select {
	case o := <-ch:
		status, err = o.status, o.err
	case <-pctx.Done():
		status, err = StatusUnavailable, fmt.Errorf("%w: %w", ErrDownstreamUnavailable, pctx.Err())
	}

	if err != nil {
		status = StatusUnavailable
		level := a.logger.Warn
		if errors.Is(err, context.DeadlineExceeded) {
			level = a.logger.Info
		}
		level("サービスのヘルスチェックに失敗",
			zap.String("service", svc.Name),
			zap.Duration("timeout", a.timeout),
			zap.Error(err))
	}
	if status == "" {
		status = StatusAvailable
	}

	latency := a.now().Sub(start)
	if latency < 0 {
		latency = 0
	}
	return CheckResult{
		Service:   svc.Name,
		Status:    status,
		Latency:   latency,
		LatencyMs: latency.Milliseconds(),
		CheckedAt: start,
	}
}

// Fold は個々のサービスの状態から総合ステータスを決定する。
// 全てavailableならhealthy、1つでもunavailableがあればunhealthy、それ以外はdegraded。
func Fold(statuses []Status) HealthStatus {
	allAvailable := true
	for _, s := range statuses {
		if s == StatusUnavailable {
			return HealthUnhealthy
		}
		if s != StatusAvailable {
			allAvailable = false
		}
	}
	if allAvailable {
		return HealthHealthy
	}
	return HealthDegraded
}

// record はヘルスチェック結果を記録する。記録の失敗はヘルスチェックの結果に影響させない。
func (a *Aggregator) record(ctx context.Context, results []CheckResult) {
	if a.recorder == nil {
		return
	}
	if err := a.recorder.RecordChecks(context.WithoutCancel(ctx), results); err != nil {
		a.logger.Warn("ヘルスチェック履歴の保存に失敗", zap.Error(err))
	}
}

func (a *Aggregator) lastReport() (CompositeHealthReport, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return CompositeHealthReport{}, false
	}
	return cloneReport(*a.last), true
}

func (a *Aggregator) storeReport(r CompositeHealthReport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := cloneReport(r)
	a.last = &c
}

func cloneReport(r CompositeHealthReport) CompositeHealthReport {
	services := make(map[string]Status, len(r.Services))
	for k, v := range r.Services {
		services[k] = v
	}
	r.Services = services
	return r
}
