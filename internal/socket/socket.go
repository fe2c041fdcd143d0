package socket

import (
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultReadSize は1回の Read で読み込む推奨サイズ
const DefaultReadSize = 8192

// fd は待ち受け側と接続側で共有するファイルディスクリプタ
type fd struct {
	sysfd  int
	closed bool
}

func (f *fd) close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	if err := unix.Close(f.sysfd); err != nil {
		return newError("close", err)
	}
	return nil
}

// ListenSocket は待ち受け用のTCPソケット
type ListenSocket struct {
	fd
}

// Create は新しいソケットを作成する
func Create(domain, typ, proto int) (*ListenSocket, error) {
	// exec される子プロセスにディスクリプタを漏らさないようにする
	syscall.ForkLock.RLock()
	sysfd, err := unix.Socket(domain, typ, proto)
	if err == nil {
		unix.CloseOnExec(sysfd)
	}
	syscall.ForkLock.RUnlock()

	if err != nil {
		return nil, newError("create", err)
	}

	return &ListenSocket{fd: fd{sysfd: sysfd}}, nil
}

// NewTCP はIPv4のTCPソケットを作成する
func NewTCP() (*ListenSocket, error) {
	return Create(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
}

// Bind はソケットをアドレスとポートに割り当てる
func (l *ListenSocket) Bind(address string, port int) error {
	ip, err := resolveIPv4(address)
	if err != nil {
		return newError("bind", err)
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip)

	if err := unix.Bind(l.sysfd, sa); err != nil {
		return newError("bind", err)
	}
	return nil
}

// Listen は接続の待ち受けを開始する
func (l *ListenSocket) Listen(backlog int) error {
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(l.sysfd, backlog); err != nil {
		return newError("listen", err)
	}
	return nil
}

// SetReuseAddress は SO_REUSEADDR を設定する
func (l *ListenSocket) SetReuseAddress(enabled bool) error {
	value := 0
	if enabled {
		value = 1
	}
	if err := unix.SetsockoptInt(l.sysfd, unix.SOL_SOCKET, unix.SO_REUSEADDR, value); err != nil {
		return newError("setsockopt", err)
	}
	return nil
}

// SetNonBlocking はソケットをノンブロッキングモードにする
func (l *ListenSocket) SetNonBlocking() error {
	if err := unix.SetNonblock(l.sysfd, true); err != nil {
		return newError("set_nonblock", err)
	}
	return nil
}

// Accept は保留中の接続を1つ受け付ける
func (l *ListenSocket) Accept() (Conn, bool, error) {
	for {
		syscall.ForkLock.RLock()
		nfd, sa, err := unix.Accept(l.sysfd)
		if err == nil {
			unix.CloseOnExec(nfd)
		}
		syscall.ForkLock.RUnlock()

		if err != nil {
			if err == unix.EINTR {
				continue
			}
			// 接続が無い、または受け付け前に切断された
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.ECONNABORTED {
				return nil, false, nil
			}
			return nil, false, newError("accept", err)
		}

		// BSD系では待ち受け側のノンブロッキング設定が引き継がれるため明示的に戻す
		if err := unix.SetNonblock(nfd, false); err != nil {
			_ = unix.Close(nfd)
			return nil, false, newError("accept", err)
		}

		return &ConnSocket{fd: fd{sysfd: nfd}, remote: sockaddrHost(sa)}, true, nil
	}
}

// Wait は接続が受け付け可能になるまで最大 timeout だけ待つ
func (l *ListenSocket) Wait(timeout time.Duration) (bool, error) {
	msec := int(timeout / time.Millisecond)
	if timeout > 0 && msec == 0 {
		msec = 1
	}

	fds := []unix.PollFd{{Fd: int32(l.sysfd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, msec)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, newError("poll", err)
	}
	if n == 0 {
		return false, nil
	}

	if fds[0].Revents&unix.POLLNVAL != 0 {
		return false, newError("poll", unix.EBADF)
	}
	return fds[0].Revents&unix.POLLIN != 0, nil
}

// Addr はバインド済みのローカルアドレスを "host:port" 形式で返す
func (l *ListenSocket) Addr() (string, error) {
	sa, err := unix.Getsockname(l.sysfd)
	if err != nil {
		return "", newError("getsockname", err)
	}
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		return net.JoinHostPort(net.IP(sa4.Addr[:]).String(), strconv.Itoa(sa4.Port)), nil
	}
	return "", newError("getsockname", fmt.Errorf("未対応のアドレスファミリ: %T", sa))
}

// Close はソケットを閉じる
func (l *ListenSocket) Close() error {
	return l.close()
}

// ConnSocket は受け付けた接続
type ConnSocket struct {
	fd
	remote string
}

// Read は1回の受信で最大 maxLength バイトを読み込む
// 相手が接続を閉じた場合は空のスライスを返す
func (c *ConnSocket) Read(maxLength int) ([]byte, error) {
	if maxLength <= 0 {
		maxLength = DefaultReadSize
	}
	buf := make([]byte, maxLength)

	for {
		n, err := unix.Read(c.sysfd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, newError("read", err)
		}
		return buf[:n], nil
	}
}

// Write はバッファ全体を書き込む
func (c *ConnSocket) Write(buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(c.sysfd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return newError("write", err)
		}
		buf = buf[n:]
	}
	return nil
}

// Close は接続を閉じる
func (c *ConnSocket) Close() error {
	return c.close()
}

// RemoteAddress は接続元のIPアドレスを返す
func (c *ConnSocket) RemoteAddress() string {
	return c.remote
}

// SetTimeouts は受信と送信のタイムアウトを設定する (0 は無制限)
func (c *ConnSocket) SetTimeouts(read, write time.Duration) error {
	if read > 0 {
		tv := unix.NsecToTimeval(read.Nanoseconds())
		if err := unix.SetsockoptTimeval(c.sysfd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			return newError("setsockopt", err)
		}
	}
	if write > 0 {
		tv := unix.NsecToTimeval(write.Nanoseconds())
		if err := unix.SetsockoptTimeval(c.sysfd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
			return newError("setsockopt", err)
		}
	}
	return nil
}

// resolveIPv4 はアドレス文字列をIPv4アドレスに解決する
func resolveIPv4(address string) (net.IP, error) {
	if address == "" {
		return net.IPv4zero.To4(), nil
	}

	if ip := net.ParseIP(address); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
		return nil, fmt.Errorf("IPv4アドレスではありません: %s", address)
	}

	ips, err := net.LookupIP(address)
	if err != nil {
		return nil, fmt.Errorf("アドレスの解決に失敗: %w", err)
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, fmt.Errorf("IPv4アドレスが見つかりません: %s", address)
}

// sockaddrHost はソケットアドレスからホスト部分を取り出す
func sockaddrHost(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String()
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String()
	default:
		return ""
	}
}
