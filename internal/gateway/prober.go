package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nao1215/meishi/pkg/httpclient"
)

// Prober は1つのサービスの稼働状態を問い合わせる。
// 実装はctxのキャンセルとデッドラインに従う必要がある。
type Prober interface {
	Probe(ctx context.Context, svc ServiceDescriptor) (Status, error)
}

// ProberFunc は関数をProberとして扱うためのアダプタ。
type ProberFunc func(ctx context.Context, svc ServiceDescriptor) (Status, error)

// Probe はf(ctx, svc)を呼び出す。
func (f ProberFunc) Probe(ctx context.Context, svc ServiceDescriptor) (Status, error) {
	return f(ctx, svc)
}

// healthPath は各サービスが公開するヘルスチェックのパス。
const healthPath = "/health"

// healthResponse は各サービスの /health のレスポンス。
type healthResponse struct {
	Status string `json:"status"`
}

// probeClientTimeout はHTTPProberの既定クライアントに設定するタイムアウト。
// 通常はAggregatorがコンテキストで与えるより短いタイムアウトが先に効く。
const probeClientTimeout = 10 * time.Second

// HTTPProber は各サービスの /health にGETリクエストを送って稼働状態を判定する。
// コンテキストに設定されたリクエストIDは X-Request-ID として送る。
type HTTPProber struct {
	clientOpt httpclient.Option
}

// NewHTTPProber は新しいHTTPProberを生成する。hcがnilの場合は既定のクライアントを使う。
func NewHTTPProber(hc *http.Client) *HTTPProber {
	if hc == nil {
		return &HTTPProber{clientOpt: httpclient.WithTimeout(probeClientTimeout)}
	}
	return &HTTPProber{clientOpt: httpclient.WithHTTPClient(hc)}
}

// Probe はsvcの /health を問い合わせる。
// 2xxで "degraded" を返した場合はStatusDegraded、ボディが無い場合を含むそれ以外の2xxはStatusAvailableとする。
// 通信エラーや2xx以外はErrDownstreamUnavailableを包んだエラーを返す。
func (p *HTTPProber) Probe(ctx context.Context, svc ServiceDescriptor) (Status, error) {
	client := httpclient.New(svc.BaseURL, p.clientOpt)

	var resp healthResponse
	if err := client.GetJSON(ctx, healthPath, &resp); err != nil {
		// 2xxでJSON以外のボディを返すサービスは稼働しているものとみなす
		if errors.Is(err, httpclient.ErrDecode) {
			return StatusAvailable, nil
		}
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) {
			return StatusUnavailable, fmt.Errorf("%w: status=%d", ErrDownstreamUnavailable, statusErr.StatusCode)
		}
		return StatusUnavailable, fmt.Errorf("%w: %w", ErrDownstreamUnavailable, err)
	}
	return interpretHealth(resp.Status), nil
}

// interpretHealth は /health のstatusフィールドを稼働状態に変換する。
func interpretHealth(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "degraded":
		return StatusDegraded
	case "unavailable", "unhealthy", "down":
		return StatusUnavailable
	default:
		return StatusAvailable
	}
}
