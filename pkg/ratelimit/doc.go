// Package ratelimit はキーごとの固定ウィンドウ方式のレート制限を提供する。
//
// 状態はプロセス内のメモリにのみ保持し、複数インスタンス間で共有しない。
// カウンタの更新はキー単位のクリティカルセクションで行うため、
// 無関係なキー同士が互いを待つことはない。
//
// 期限切れのエントリはStartCleanupで起動するバックグラウンドの掃除処理が削除する。
// 掃除処理は返されるCleanupHandleで停止する。
package ratelimit
