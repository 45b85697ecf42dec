package middleware

import (
	"github.com/gin-gonic/gin"
)

// AbortWithError は {"success": false, "error": {"code": ...}} 形式のエラーレスポンスを返して処理を中断する。
// extraの内容はerrorオブジェクトに追加される。内部状態を含めてはならない。
func AbortWithError(c *gin.Context, status int, code string, extra gin.H) {
	body := gin.H{"code": code}
	for k, v := range extra {
		body[k] = v
	}
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   body,
	})
}
