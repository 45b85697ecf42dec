// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線として
// 機能する。パスの接頭辞から転送先のサービス（auth / cards / upload）を決定し、
// 保護されたルートでは受付判定（トークン検証とレート制限）を通過したリクエストだけを
// 内部サービスに転送する。
//
// ヘルスチェックでは登録済みの全サービスの /health を並行に問い合わせ、
// 結果を1つの総合ステータスにまとめる。各サービスの結果はSQLiteに履歴として保存する。
package gateway
