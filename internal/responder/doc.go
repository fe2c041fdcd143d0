// Package responder は振り分け結果ごとのレスポンスを組み立てる
//
// # 責務
//   - 静的ファイルのレスポンス
//   - ディレクトリ一覧のHTML生成
//   - CGIスクリプトの実行結果の取り込み
//   - エラーページ
//
// # 仕様
//   - どのレスポンスも NewPage の共通ヘッダー (Server, Connection: Close,
//     Content-Type, X-Request-Id) から始まる
//   - Content-Length はここでは設定せず、描画時に必ず計算し直す
//   - 失敗はエラーとして返し、ステータスコードへの対応付けは呼び出し側が行う
package responder
