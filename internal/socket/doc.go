// Package socket はTCPソケットの薄いラッパーを提供する
//
// # 責務
// - ソケットの作成・バインド・リッスン・ノンブロッキング化
// - 接続の受け付けと、受け付けた接続での読み書き
// - OSから返されたエラー理由の保持
//
// # 仕様
// - golang.org/x/sys/unix のシステムコールを直接使用する
// - 待ち受け側(Listener)と接続側(Conn)の役割をインターフェースで分離し、
//   共通部分は fd 構造体の埋め込みで共有する
// - ノンブロッキングの Accept は接続が無い場合にエラーではなく ok=false を返す
// - Read は1回の受信呼び出しだけを行い、フレーミングは行わない
// - IPv4 (AF_INET) のみ対応
package socket
