// Package server は待ち受けソケットとリクエスト処理ループを管理します。
//
// 責務:
//   - 待ち受けソケットの準備 (アドレス再利用、ノンブロッキング)
//   - 接続の受け付けと1接続1リクエストの処理
//   - PIDファイルとログの開閉
//   - シグナルによる停止
//
// 仕様:
//   - 接続は受け付けた順に1つずつ最後まで処理する (並行処理はしない)
//   - 接続待ちは poll によるタイムアウト付きの待機で、停止要求を定期的に確認する
//   - レスポンスは必ず Connection: Close で、送信後に接続を閉じる
//   - 接続単位の失敗はログに出して処理を続ける
package server
