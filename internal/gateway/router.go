package gateway

import (
	"fmt"
	"slices"
	"strings"
)

// Route はパスの接頭辞と転送先サービスの対応。
type Route struct {
	// Prefix はパスの接頭辞（例: "/cards"）。セグメント単位で比較する。
	Prefix string
	// Service は転送先のサービス名。Registryに登録されている必要がある。
	Service string
	// Methods は許可するHTTPメソッド。空の場合は全メソッドを許可する。
	Methods []string
	// Public がtrueのルートは受付判定を行わずに転送する。
	Public bool
}

// DefaultRoutes は名刺管理アプリの標準的なルーティング表を返す。
// 認証サービスはログイン前に呼ばれるため受付判定の対象外とする。
func DefaultRoutes() []Route {
	return []Route{
		{Prefix: "/auth", Service: "auth", Public: true},
		{Prefix: "/cards", Service: "cards"},
		{Prefix: "/upload", Service: "upload"},
	}
}

// Router はリクエストのパスから転送先のサービスを決定する。
// ルーティング表は生成後に変更されない。
type Router struct {
	registry *Registry
	routes   []Route
}

// NewRouter は新しいRouterを生成する。
// Registryに存在しないサービスを指すルートがある場合はエラーを返す。
func NewRouter(registry *Registry, routes []Route) (*Router, error) {
	normalized := make([]Route, 0, len(routes))
	for _, rt := range routes {
		if _, ok := registry.Lookup(rt.Service); !ok {
			return nil, fmt.Errorf("ルート %q の転送先 %q が登録されていません: %w", rt.Prefix, rt.Service, ErrConfiguration)
		}
		rt.Prefix = normalizePrefix(rt.Prefix)
		methods := make([]string, len(rt.Methods))
		for i, m := range rt.Methods {
			methods[i] = strings.ToUpper(m)
		}
		rt.Methods = methods
		normalized = append(normalized, rt)
	}
	return &Router{registry: registry, routes: normalized}, nil
}

// Routes はルーティング表のコピーを返す。
func (r *Router) Routes() []Route {
	return slices.Clone(r.routes)
}

// Resolve はパスとメソッドに一致する転送先サービスの登録情報を返す。
// 先頭から順に比較し、最初に一致したルートを採用する。
func (r *Router) Resolve(path, method string) (ServiceDescriptor, error) {
	rt, err := r.Match(path, method)
	if err != nil {
		return ServiceDescriptor{}, err
	}
	d, ok := r.registry.Lookup(rt.Service)
	if !ok {
		return ServiceDescriptor{}, fmt.Errorf("転送先 %q が登録されていません: %w", rt.Service, ErrConfiguration)
	}
	return d, nil
}

// Match はパスとメソッドに一致するルートを返す。
// ルーティング表が空の場合はErrConfiguration、一致しない場合はErrRouteNotFoundを返す。
func (r *Router) Match(path, method string) (Route, error) {
	if r == nil || len(r.routes) == 0 {
		return Route{}, ErrConfiguration
	}
	method = strings.ToUpper(method)
	for _, rt := range r.routes {
		if !matchPrefix(rt.Prefix, path) {
			continue
		}
		if len(rt.Methods) > 0 && !slices.Contains(rt.Methods, method) {
			continue
		}
		return rt, nil
	}
	return Route{}, ErrRouteNotFound
}

// normalizePrefix は接頭辞を "/" 始まり、末尾の "/" 無しの形にそろえる。
func normalizePrefix(prefix string) string {
	return "/" + strings.Trim(strings.TrimSpace(prefix), "/")
}

// matchPrefix はpathがprefixと一致するか、prefix配下のパスであればtrueを返す。
// "/cards" は "/cards" と "/cards/123" に一致し、"/cardsx" には一致しない。
func matchPrefix(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}
