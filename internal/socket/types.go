package socket

import (
	"fmt"
	"time"
)

// Listener は待ち受けソケットの役割を表すインターフェース
type Listener interface {
	// Bind はソケットをアドレスとポートに割り当てる
	Bind(address string, port int) error

	// Listen は接続の待ち受けを開始する
	Listen(backlog int) error

	// SetReuseAddress は SO_REUSEADDR を設定する
	SetReuseAddress(enabled bool) error

	// SetNonBlocking はソケットをノンブロッキングモードにする
	SetNonBlocking() error

	// Accept は保留中の接続を1つ受け付ける
	// 保留中の接続が無い場合は ok=false, err=nil を返す
	Accept() (conn Conn, ok bool, err error)

	// Wait は接続が受け付け可能になるまで最大 timeout だけ待つ
	Wait(timeout time.Duration) (ready bool, err error)

	// Addr はバインド済みのローカルアドレスを返す
	Addr() (string, error)

	// Close はソケットを閉じる
	Close() error
}

// Conn は受け付けた接続の役割を表すインターフェース
type Conn interface {
	// Read は1回の受信で最大 maxLength バイトを読み込む
	Read(maxLength int) ([]byte, error)

	// Write はバッファ全体を書き込む
	Write(buf []byte) error

	// Close は接続を閉じる
	Close() error

	// RemoteAddress は接続元のアドレスを返す
	RemoteAddress() string

	// SetTimeouts は受信と送信のタイムアウトを設定する
	SetTimeouts(read, write time.Duration) error
}

var (
	_ Listener = (*ListenSocket)(nil)
	_ Conn     = (*ConnSocket)(nil)
)

// Error はOSレベルのソケット操作の失敗を表す
type Error struct {
	Op  string // 失敗した操作 (bind, listen, accept ...)
	Err error  // OSから返された理由
}

func (e *Error) Error() string {
	return fmt.Sprintf("socket_%s に失敗: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}
