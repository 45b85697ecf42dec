package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/meishi/pkg/token"
)

// HeaderUserID はサービス間でユーザーIDを伝播するためのHTTPヘッダーキー。
const HeaderUserID = "X-User-ID"

const (
	// contextKeyUserID はGinコンテキストにユーザーIDを格納するキー。
	contextKeyUserID = "user_id"
	// contextKeyClaims はGinコンテキストに検証済みクレームを格納するキー。
	contextKeyClaims = "claims"
)

// Admission はGateによる受付判定を行うGinミドルウェアを返す。
// 保護されたルートのハンドラより前に必ず適用する。
func Admission(gate *Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !Authorize(c, gate) {
			return
		}
		c.Next()
	}
}

// Authorize はGateでリクエストを判定し、受け付けた場合はtrueを返す。
//
// 受け付けた場合はコンテキストに "user_id" と "claims" を設定し、
// 下流サービス向けに X-User-ID リクエストヘッダーを上書きする。
// 拒否した場合はAbortWithDenialでレスポンスを書き込み、falseを返す。
func Authorize(c *gin.Context, gate *Gate) bool {
	claims, err := gate.Admit(c.Request)
	if err != nil {
		AbortWithDenial(c, err)
		return false
	}

	c.Set(contextKeyUserID, claims.UserID)
	c.Set(contextKeyClaims, claims)
	c.Request.Header.Set(HeaderUserID, claims.UserID)
	return true
}

// AbortWithDenial は拒否理由に応じたレスポンスを返して処理を中断する。
// 未認証は401、レート制限は429とRetry-After、設定不備は500を返す。
// レスポンスには理由コードと再試行までの時間以外の情報を含めない。
func AbortWithDenial(c *gin.Context, err error) {
	var denial *Denial
	if !errors.As(err, &denial) {
		AbortWithError(c, http.StatusUnauthorized, string(ReasonUnauthenticated), nil)
		return
	}

	switch denial.Reason {
	case ReasonRateLimited:
		c.Header("Retry-After", strconv.FormatInt(retryAfterSeconds(denial), 10))
		AbortWithError(c, http.StatusTooManyRequests, string(denial.Reason), gin.H{
			"retry_after_ms": denial.RetryAfterMs(),
		})
	case ReasonConfiguration:
		AbortWithError(c, http.StatusInternalServerError, string(denial.Reason), nil)
	default:
		c.Header("WWW-Authenticate", "Bearer")
		AbortWithError(c, http.StatusUnauthorized, string(ReasonUnauthenticated), nil)
	}
}

// retryAfterSeconds はRetry-Afterヘッダー用に秒単位へ切り上げる。最小値は1秒。
func retryAfterSeconds(d *Denial) int64 {
	return max(int64(math.Ceil(d.RetryAfter.Seconds())), 1)
}

// AuthorizeAnonymous は公開ルートのリクエストをGateのIP単位の上限で判定し、受け付けた場合はtrueを返す。
// クライアントが送った X-User-ID は下流サービスに渡さない。
func AuthorizeAnonymous(c *gin.Context, gate *Gate) bool {
	if err := gate.AdmitAnonymous(c.Request); err != nil {
		AbortWithDenial(c, err)
		return false
	}
	c.Request.Header.Del(HeaderUserID)
	return true
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// Admissionミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	return c.GetString(contextKeyUserID)
}

// GetClaims はGinコンテキストから検証済みクレームを取得する。
func GetClaims(c *gin.Context) (*token.Claims, bool) {
	v, ok := c.Get(contextKeyClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*token.Claims)
	return claims, ok
}
