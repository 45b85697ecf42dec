package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	// ErrConfiguration はサービス登録やルーティング表が設定されていないことを表す。
	ErrConfiguration = errors.New("gateway: service registry is not configured")
	// ErrRouteNotFound はパスに一致するルートが無いことを表す。
	ErrRouteNotFound = errors.New("gateway: route not found")
	// ErrDownstreamUnavailable は下流サービスに到達できないことを表す。
	// ヘルスチェックではサービスごとに閉じ込め、他のサービスには伝播させない。
	ErrDownstreamUnavailable = errors.New("gateway: downstream service unavailable")
)

// Status は個々のサービスの稼働状態。
type Status string

const (
	// StatusUnknown はまだヘルスチェックを行っていない状態。
	StatusUnknown Status = "unknown"
	// StatusAvailable は正常に応答している状態。
	StatusAvailable Status = "available"
	// StatusDegraded は応答しているが一部の機能が低下している状態。
	StatusDegraded Status = "degraded"
	// StatusUnavailable はタイムアウトまたはエラーで応答しない状態。
	StatusUnavailable Status = "unavailable"
)

// ServiceDescriptor は下流サービスの登録情報。
// LastStatus と LastCheckedAt はAggregatorだけが更新する。
type ServiceDescriptor struct {
	// Name はサービス名（例: "cards"）。
	Name string `json:"name"`
	// BaseURL はサービスのベースURL。
	BaseURL string `json:"base_url"`
	// LastStatus は直近のヘルスチェック結果。
	LastStatus Status `json:"last_status"`
	// LastCheckedAt は直近のヘルスチェック日時。未実施の場合はゼロ値。
	LastCheckedAt time.Time `json:"last_checked_at"`
}

// Registry は起動時に登録された下流サービスの一覧を保持する。
// 登録後にサービスが増減することはない。
type Registry struct {
	mu       sync.RWMutex
	services []*ServiceDescriptor
	byName   map[string]*ServiceDescriptor
}

// NewRegistry は新しいRegistryを生成する。
// サービス名の重複、空の名前、不正なベースURLはエラーとする。
func NewRegistry(services []ServiceDescriptor) (*Registry, error) {
	r := &Registry{
		services: make([]*ServiceDescriptor, 0, len(services)),
		byName:   make(map[string]*ServiceDescriptor, len(services)),
	}
	for _, s := range services {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, fmt.Errorf("サービス名が空です: %w", ErrConfiguration)
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("サービス名 %q が重複しています: %w", name, ErrConfiguration)
		}
		u, err := url.Parse(s.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("サービス %q のベースURLが不正です: %w", name, ErrConfiguration)
		}

		d := &ServiceDescriptor{
			Name:       name,
			BaseURL:    strings.TrimRight(s.BaseURL, "/"),
			LastStatus: StatusUnknown,
		}
		r.services = append(r.services, d)
		r.byName[name] = d
	}
	return r, nil
}

// Len は登録済みのサービス数を返す。
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.services)
}

// Lookup はサービス名から登録情報のコピーを返す。
func (r *Registry) Lookup(name string) (ServiceDescriptor, bool) {
	if r == nil {
		return ServiceDescriptor{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	if !ok {
		return ServiceDescriptor{}, false
	}
	return *d, true
}

// Snapshot は全サービスの登録情報のコピーを登録順に返す。
func (r *Registry) Snapshot() []ServiceDescriptor {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceDescriptor, len(r.services))
	for i, d := range r.services {
		out[i] = *d
	}
	return out
}

// update はサービスの稼働状態を更新する。
func (r *Registry) update(name string, status Status, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.byName[name]; ok {
		d.LastStatus = status
		d.LastCheckedAt = at
	}
}
