// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// Gatewayが下流サービス（auth / cards / upload）のヘルスエンドポイントを
// 問い合わせる際に使用する。リクエストIDはコンテキスト経由で
// X-Request-ID ヘッダーとして伝播する。
package httpclient
