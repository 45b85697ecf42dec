package middleware

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/meishi/pkg/ratelimit"
	"github.com/nao1215/meishi/pkg/token"
)

// Reason は拒否理由を表す安定したコード。レスポンスにそのまま含める。
type Reason string

const (
	// ReasonUnauthenticated は認証情報が無い、または無効であることを表す。
	ReasonUnauthenticated Reason = "unauthenticated"
	// ReasonRateLimited はレート制限を超えたことを表す。
	ReasonRateLimited Reason = "rate_limited"
	// ReasonConfiguration はゲートウェイ側の設定不備を表す。
	ReasonConfiguration Reason = "configuration_error"
)

// Denial はGateがリクエストを拒否したことを表すエラー。
type Denial struct {
	// Reason は拒否理由。
	Reason Reason
	// RetryAfter はレート制限時の再試行までの待ち時間。
	RetryAfter time.Duration
}

func (d *Denial) Error() string {
	if d.Reason == ReasonRateLimited {
		return fmt.Sprintf("request denied: %s (retry after %dms)", d.Reason, d.RetryAfterMs())
	}
	return "request denied: " + string(d.Reason)
}

// RetryAfterMs はRetryAfterをミリ秒で返す。
func (d *Denial) RetryAfterMs() int64 {
	return d.RetryAfter.Milliseconds()
}

// Authenticator はヘッダーから認証済みクレームを取り出す。
type Authenticator interface {
	RequireAuth(h http.Header) (*token.Claims, error)
}

// RateLimiter はキーごとのリクエストを数える。
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) ratelimit.Decision
	// Reset はkeyのウィンドウ状態を破棄する。
	Reset(key string)
}

// statsRecordTimeout は受付判定の中で統計の記録に使う時間の上限。
// 記録先が待たせる場合はAsyncStatsで包む。
const statsRecordTimeout = 100 * time.Millisecond

// OutcomeAllowed は受け付けたことを表す統計上の判定結果。
const OutcomeAllowed = "allowed"

// GatePolicy はGateが適用するレート制限の設定。
type GatePolicy struct {
	// UserLimit は認証済みユーザーごとのウィンドウあたり上限。
	UserLimit int
	// UserWindow は認証済みユーザー向けのウィンドウ長。
	UserWindow time.Duration
	// IPLimit は未認証リクエストのIPアドレスごとの上限。UserLimitより小さくする。
	IPLimit int
	// IPWindow は未認証リクエスト向けのウィンドウ長。
	IPWindow time.Duration
}

// DefaultGatePolicy はデフォルトのレート制限設定を返す。
func DefaultGatePolicy() GatePolicy {
	return GatePolicy{
		UserLimit:  100,
		UserWindow: time.Minute,
		IPLimit:    20,
		IPWindow:   time.Minute,
	}
}

// Gate は認証とレート制限をまとめた受付判定を行う。
type Gate struct {
	auth     Authenticator
	limiter  RateLimiter
	policy   GatePolicy
	trustXFF bool
	stats    StatsRecorder
	logger   *zap.Logger
	now      func() time.Time
}

// GateOption はGateの設定を変更する関数。
type GateOption func(*Gate)

// WithTrustForwardedFor はX-Forwarded-Forの先頭のアドレスをクライアントIPとして使うかを設定する。
// 信頼できるプロキシの背後にいる場合にのみ有効にする。
func WithTrustForwardedFor(trust bool) GateOption {
	return func(g *Gate) { g.trustXFF = trust }
}

// WithStats は受付判定の統計の記録先を設定する。
func WithStats(stats StatsRecorder) GateOption {
	return func(g *Gate) { g.stats = stats }
}

// WithGateLogger はログ出力先を設定する。
func WithGateLogger(logger *zap.Logger) GateOption {
	return func(g *Gate) { g.logger = logger }
}

// NewGate は新しいGateを生成する。policyの0値の項目はデフォルト値で補う。
func NewGate(auth Authenticator, limiter RateLimiter, policy GatePolicy, opts ...GateOption) *Gate {
	def := DefaultGatePolicy()
	if policy.UserLimit <= 0 {
		policy.UserLimit = def.UserLimit
	}
	if policy.UserWindow <= 0 {
		policy.UserWindow = def.UserWindow
	}
	if policy.IPLimit <= 0 {
		policy.IPLimit = def.IPLimit
	}
	if policy.IPWindow <= 0 {
		policy.IPWindow = def.IPWindow
	}

	g := &Gate{
		auth:    auth,
		limiter: limiter,
		policy:  policy,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Policy は適用中のレート制限設定を返す。
func (g *Gate) Policy() GatePolicy {
	return g.policy
}

// Admit はリクエストを受け付けるかどうかを判定し、受け付ける場合はクレームを返す。
//
// 先に署名検証を行い、失敗した場合はユーザー単位の制限は参照せず、
// クライアントIP単位のより低い上限で数えたうえで拒否する。
// 成功した場合はユーザーIDをキーにレート制限を適用する。
// 拒否時のエラーは常に*Denialである。
func (g *Gate) Admit(r *http.Request) (*token.Claims, error) {
	claims, err := g.auth.RequireAuth(r.Header)
	if err != nil {
		if errors.Is(err, token.ErrConfiguration) {
			g.logger.Error("認証の設定が不正なためリクエストを拒否します", zap.Error(err))
			return nil, g.deny(r, &Denial{Reason: ReasonConfiguration})
		}

		ip := ClientIP(r, g.trustXFF)
		dec := g.limiter.Allow("ip:"+ip, g.policy.IPLimit, g.policy.IPWindow)
		if !dec.Admitted {
			return nil, g.deny(r, &Denial{Reason: ReasonRateLimited, RetryAfter: dec.RetryAfter})
		}
		return nil, g.deny(r, &Denial{Reason: ReasonUnauthenticated})
	}

	dec := g.limiter.Allow("user:"+claims.UserID, g.policy.UserLimit, g.policy.UserWindow)
	if !dec.Admitted {
		return nil, g.deny(r, &Denial{Reason: ReasonRateLimited, RetryAfter: dec.RetryAfter})
	}

	g.record(r, OutcomeAllowed)
	return claims, nil
}

// AdmitAnonymous は認証を必要としない公開ルートのリクエストを受け付けるかどうかを判定する。
//
// 署名検証は行わず、クライアントIP単位の上限で数える。
// ログインのような公開エンドポイントへの総当たりを、保護されたルートへの
// 未認証リクエストと同じ上限で抑える。拒否時のエラーは常に*Denialである。
func (g *Gate) AdmitAnonymous(r *http.Request) error {
	ip := ClientIP(r, g.trustXFF)
	dec := g.limiter.Allow("ip:"+ip, g.policy.IPLimit, g.policy.IPWindow)
	if !dec.Admitted {
		return g.deny(r, &Denial{Reason: ReasonRateLimited, RetryAfter: dec.RetryAfter})
	}
	g.record(r, OutcomeAllowed)
	return nil
}

// ResetUser はuserIDのユーザー単位のウィンドウを破棄する。
func (g *Gate) ResetUser(userID string) {
	g.limiter.Reset("user:" + userID)
}

// deny は拒否を記録してDenialを返す。
func (g *Gate) deny(r *http.Request, d *Denial) *Denial {
	g.logger.Debug("リクエストを拒否しました",
		zap.String("reason", string(d.Reason)),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int64("retry_after_ms", d.RetryAfterMs()))
	g.record(r, string(d.Reason))
	return d
}

// record は受付判定の統計を記録する。記録の失敗は判定に影響させない。
func (g *Gate) record(r *http.Request, outcome string) {
	if g.stats == nil {
		return
	}
	ev := AdmissionEvent{
		Outcome: outcome,
		Method:  r.Method,
		At:      g.now(),
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), statsRecordTimeout)
	defer cancel()
	if err := g.stats.Record(ctx, ev); err != nil {
		g.logger.Debug("受付統計の記録に失敗", zap.Error(err))
	}
}

// ClientIP はリクエスト元のIPアドレスを返す。
// trustXFFがtrueの場合はX-Forwarded-Forの先頭のアドレスを優先する。
func ClientIP(r *http.Request, trustXFF bool) string {
	if trustXFF {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if addr != "" {
		return addr
	}
	return "unknown"
}
