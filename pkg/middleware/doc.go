// Package middleware はGatewayで使用する共通ミドルウェアと受付判定を提供する。
//
// Gateはトークン検証とレート制限を組み合わせた受付判定であり、
// Admissionミドルウェアとして保護されたルートの前段に置く。
// そのほか、リクエストID付与、アクセスログ、パニックリカバリ、CORS設定、
// 受付統計の記録（メモリまたはRedis）を含む。
package middleware
