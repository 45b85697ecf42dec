// Package token はBearerトークン（HS256署名のJWT）の発行と検証を行う。
//
// 検証は外部ストレージに依存しない純粋な計算であり、全リクエストのホットパスで実行される。
// 検証結果は「有効なクレーム」か「無効」の二値のみで、改ざん・期限切れ・形式不正・
// 署名鍵の未設定のいずれも部分的に信頼することはない。
package token
