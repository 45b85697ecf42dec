package token

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTTL はTTL未指定時のトークン有効期間。
const DefaultTTL = 24 * time.Hour

const (
	// headerAuthorization は認証情報を運ぶHTTPヘッダー名。
	headerAuthorization = "Authorization"
	// bearerPrefix はBearerスキームの接頭辞。大文字小文字を区別し、空白は1つ。
	bearerPrefix = "Bearer "
	// issuer はトークン発行者としてissクレームに設定する値。
	issuer = "meishi-gateway"
	// claimUserID はユーザーIDを格納するクレーム名。
	claimUserID = "user_id"
)

var (
	// ErrConfiguration は署名用シークレットが設定されていないことを表す。
	ErrConfiguration = errors.New("token: signing secret is not configured")
	// ErrAuthenticationRequired は認証情報が無い、または無効であることを表す。
	ErrAuthenticationRequired = errors.New("token: authentication required")
)

// reservedClaims はカスタムクレームとして上書き・返却しないクレーム名。
var reservedClaims = map[string]struct{}{
	claimUserID: {},
	"iss":       {},
	"sub":       {},
	"aud":       {},
	"exp":       {},
	"nbf":       {},
	"iat":       {},
	"jti":       {},
}

// Claims は検証済みトークンから復元したクレーム。
// 下流のコンポーネントは参照のみ行い、変更しない。
type Claims struct {
	// UserID は認証済みユーザーの一意識別子。
	UserID string
	// ID はトークン固有の識別子（jti）。
	ID string
	// IssuedAt は発行日時。
	IssuedAt time.Time
	// ExpiresAt は有効期限。常にIssuedAtより後。
	ExpiresAt time.Time
	// Custom は発行時に指定された任意のクレーム。
	// JSONを経由して復元するため、数値はfloat64、構造体はmap[string]anyになる。
	Custom map[string]any
}

// IssueClaims はトークン発行時に埋め込む情報。
type IssueClaims struct {
	// UserID は必須。
	UserID string
	// Custom は任意の追加クレーム。
	//
	// 値はJSONとして埋め込むため、検証後は型が変わる場合がある。
	// 例えばintの42はfloat64の42として、構造体はmap[string]anyとして返る。
	// 予約済みのクレーム名（user_id, iss, sub, aud, exp, nbf, iat, jti）は
	// エラーにせず無視する。
	Custom map[string]any
}

// Authority はトークンの発行と検証を担当する。状態を持たず、並行利用に安全。
type Authority struct {
	secret string
	now    func() time.Time
	logger *zap.Logger
}

// Option はAuthorityの設定を変更する関数。
type Option func(*Authority)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// WithLogger は検証失敗理由の出力先ロガーを設定する。
func WithLogger(logger *zap.Logger) Option {
	return func(a *Authority) { a.logger = logger }
}

// New はsecretで署名・検証するAuthorityを生成する。
// secretが空でもエラーにはならず、初回の発行・検証時にErrConfigurationとなる。
func New(secret string, opts ...Option) *Authority {
	a := &Authority{
		secret: secret,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ExtractCredential はAuthorizationヘッダーから認証情報を取り出す。
// "Bearer " で始まる場合は残りの部分を返し、接頭辞が無い場合は値をそのまま返す。
// ヘッダー自体が存在しない場合は false を返す。
//
// 接頭辞なしの値を受け入れる挙動は既存クライアントとの互換性のために残している。
// 厳格化する場合は利用側への影響を確認すること。
func ExtractCredential(h http.Header) (string, bool) {
	values, ok := lookupHeader(h, headerAuthorization)
	if !ok || len(values) == 0 {
		return "", false
	}
	v := values[0]
	if rest, found := strings.CutPrefix(v, bearerPrefix); found {
		return rest, true
	}
	return v, true
}

// lookupHeader はヘッダー名を大文字小文字を区別せずに検索する。
func lookupHeader(h http.Header, name string) ([]string, bool) {
	if v, ok := h[http.CanonicalHeaderKey(name)]; ok {
		return v, true
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

// Issue はクレームに署名したトークンを発行する。ttlが0以下の場合はDefaultTTLを使う。
func (a *Authority) Issue(claims IssueClaims, ttl time.Duration) (string, error) {
	if a.secret == "" {
		a.logger.Error("署名用シークレットが設定されていないためトークンを発行できません")
		return "", ErrConfiguration
	}
	if claims.UserID == "" {
		return "", errors.New("token: user id is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	issuedAt := a.now().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl).Truncate(time.Second)
	if !expiresAt.After(issuedAt) {
		expiresAt = issuedAt.Add(time.Second)
	}

	mc := jwt.MapClaims{}
	for k, v := range claims.Custom {
		if _, reserved := reservedClaims[k]; reserved {
			continue
		}
		mc[k] = v
	}
	mc[claimUserID] = claims.UserID
	mc["iss"] = issuer
	mc["jti"] = uuid.New().String()
	mc["iat"] = jwt.NewNumericDate(issuedAt)
	mc["exp"] = jwt.NewNumericDate(expiresAt)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString([]byte(a.secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// Verify は設定済みのシークレットで認証情報を検証する。
func (a *Authority) Verify(credential string) (*Claims, bool) {
	return a.VerifyWithSecret(credential, a.secret)
}

// VerifyWithSecret は指定したシークレットで認証情報を検証する。
// 形式不正・署名不一致・期限切れ・シークレット未設定のいずれかに該当すれば false を返す。
// 失敗理由はログにのみ出力し、呼び出し元には返さない。
func (a *Authority) VerifyWithSecret(credential, secret string) (*Claims, bool) {
	if secret == "" {
		a.logger.Error("署名用シークレットが設定されていないためトークンを検証できません")
		return nil, false
	}
	if credential == "" {
		a.logger.Debug("トークン検証に失敗", zap.String("reason", "empty"))
		return nil, false
	}

	mc := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(credential, mc, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		a.logger.Debug("トークン検証に失敗", zap.String("reason", failureReason(err)))
		return nil, false
	}

	claims, err := claimsFromMap(mc)
	if err != nil {
		a.logger.Debug("トークン検証に失敗", zap.String("reason", "invalid_claims"), zap.Error(err))
		return nil, false
	}
	if !a.now().Before(claims.ExpiresAt) {
		a.logger.Debug("トークン検証に失敗", zap.String("reason", "expired"))
		return nil, false
	}
	return claims, true
}

// RequireAuth はヘッダーから認証情報を取り出して検証する。
// 保護されたハンドラは業務ロジックの前に必ずこれを通す。
func (a *Authority) RequireAuth(h http.Header) (*Claims, error) {
	if a.secret == "" {
		a.logger.Error("署名用シークレットが設定されていません")
		return nil, ErrConfiguration
	}
	credential, ok := ExtractCredential(h)
	if !ok || credential == "" {
		return nil, ErrAuthenticationRequired
	}
	claims, ok := a.Verify(credential)
	if !ok {
		return nil, ErrAuthenticationRequired
	}
	return claims, nil
}

// claimsFromMap はJWTのクレームをClaimsに変換する。
func claimsFromMap(mc jwt.MapClaims) (*Claims, error) {
	userID, _ := mc[claimUserID].(string)
	if userID == "" {
		return nil, errors.New("user_id claim is missing")
	}
	iat, err := mc.GetIssuedAt()
	if err != nil || iat == nil {
		return nil, errors.New("iat claim is missing")
	}
	exp, err := mc.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, errors.New("exp claim is missing")
	}
	if !exp.Time.After(iat.Time) {
		return nil, errors.New("exp must be after iat")
	}

	jti, _ := mc["jti"].(string)
	custom := make(map[string]any)
	for k, v := range mc {
		if _, reserved := reservedClaims[k]; reserved {
			continue
		}
		custom[k] = v
	}

	return &Claims{
		UserID:    userID,
		ID:        jti,
		IssuedAt:  iat.Time,
		ExpiresAt: exp.Time,
		Custom:    custom,
	}, nil
}

// failureReason はログ出力用に検証エラーを分類する。
func failureReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature_mismatch"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unverifiable"
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
		return "not_yet_valid"
	default:
		return "invalid_claims"
	}
}
