package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"minihttpd/internal/config"
	"minihttpd/internal/logger"
	"minihttpd/internal/message"
)

// syncBuffer はサーバーのゴルーチンとテストから同時に使えるバッファ
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// testConfig はテスト用の設定を作成する
func testConfig(t *testing.T, webRoot string) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			Address:        "127.0.0.1",
			Port:           0, // ランダムポートを使用
			WebRoot:        webRoot,
			Backlog:        16,
			ReadBufferSize: 8192,
			ReadTimeout:    5 * time.Second,
			WriteTimeout:   5 * time.Second,
			PollInterval:   10 * time.Millisecond,
		},
		CGI: config.CGIConfig{
			Extension:   ".php",
			Interpreter: "php-cgi",
			Timeout:     5 * time.Second,
		},
	}
}

// testWebRoot は index.html だけを持つ公開ディレクトリを作成する
func testWebRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("ok"), 0644); err != nil {
		t.Fatalf("テストファイルの作成に失敗しました: %v", err)
	}
	return root
}

// startServer はサーバーを起動してベースURLを返す
// テスト終了時に停止する
func startServer(t *testing.T, cfg *config.Config) (*Server, string, *syncBuffer) {
	t.Helper()

	out := &syncBuffer{}
	srv := New(cfg, WithLogger(logger.New(out, "")))
	if err := srv.Listen(); err != nil {
		t.Fatalf("待ち受けの開始に失敗しました: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(context.Background())
	}()

	addr, err := srv.Addr()
	if err != nil {
		t.Fatalf("アドレスの取得に失敗しました: %v", err)
	}

	t.Cleanup(func() {
		srv.Stop()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("サーバーがエラーで終了しました: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("サーバーの停止がタイムアウトしました")
		}
	})

	return srv, "http://" + addr, out
}

// waitForLog はログに want が現れるまで待つ
func waitForLog(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ログに %q が出力されませんでした:\n%s", want, out.String())
}

// TestServerEndpoints はHTTPクライアントからのリクエストをテストする
func TestServerEndpoints(t *testing.T) {
	root := testWebRoot(t)
	if err := os.Mkdir(filepath.Join(root, "docs"), 0755); err != nil {
		t.Fatalf("テストディレクトリの作成に失敗しました: %v", err)
	}
	_, baseURL, _ := startServer(t, testConfig(t, root))

	testCases := []struct {
		name           string
		endpoint       string
		expectedStatus int
		expectedType   string
		expectedBody   string
	}{
		{"静的ファイル", "/index.html", http.StatusOK, "text/html", "ok"},
		{"存在しないファイル", "/missing.html", http.StatusNotFound, "text/plain", "404 Not Found\n"},
		{"公開ディレクトリ外", "/../../etc/passwd", http.StatusForbidden, "text/plain", "403 Forbidden\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(baseURL + tc.endpoint)
			if err != nil {
				t.Fatalf("リクエストに失敗しました: %v", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("レスポンスの読み込みに失敗しました: %v", err)
			}

			if resp.StatusCode != tc.expectedStatus {
				t.Errorf("ステータスコードが一致しません: got %d, want %d", resp.StatusCode, tc.expectedStatus)
			}
			if ct := resp.Header.Get("Content-Type"); ct != tc.expectedType {
				t.Errorf("Content-Typeが一致しません: got %s, want %s", ct, tc.expectedType)
			}
			if string(body) != tc.expectedBody {
				t.Errorf("ボディが一致しません: got %q, want %q", body, tc.expectedBody)
			}
			if resp.ContentLength != int64(len(tc.expectedBody)) {
				t.Errorf("Content-Lengthが一致しません: got %d, want %d", resp.ContentLength, len(tc.expectedBody))
			}
			if resp.Header.Get("Server") != "minihttpd" {
				t.Errorf("Serverヘッダーが一致しません: got %s", resp.Header.Get("Server"))
			}
			if resp.Header.Get("X-Request-Id") == "" {
				t.Error("X-Request-Idがありません")
			}
		})
	}
}

// TestServerDirectoryListing はディレクトリ一覧をテストする
func TestServerDirectoryListing(t *testing.T) {
	root := testWebRoot(t)
	_, baseURL, _ := startServer(t, testConfig(t, root))

	resp, err := http.Get(baseURL + "/")
	if err != nil {
		t.Fatalf("リクエストに失敗しました: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ステータスコードが一致しません: got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `<a href="/index.html">index.html</a>`) {
		t.Errorf("一覧にリンクがありません:\n%s", body)
	}
}

// rawRequest は接続を開いて生のバイト列を送り、レスポンス全体を返す
func rawRequest(t *testing.T, addr, raw string) string {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("接続に失敗しました: %v", err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Write([]byte(raw)); err != nil {
		t.Fatalf("送信に失敗しました: %v", err)
	}
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("受信に失敗しました: %v", err)
	}
	return string(resp)
}

// TestServerMalformedRequest は不正なリクエストで400を返し、処理を続けることをテストする
func TestServerMalformedRequest(t *testing.T) {
	srv, _, out := startServer(t, testConfig(t, testWebRoot(t)))
	addr, _ := srv.Addr()

	testCases := []struct {
		name string
		raw  string
	}{
		{"区切りなし", "GET /index.html HTTP/1.1\r\nHost: x\r\n"},
		{"トークン不足", "GET\r\n\r\n"},
		{"コロンのないヘッダー", "GET / HTTP/1.1\r\nBroken\r\n\r\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := rawRequest(t, addr, tc.raw)
			if !strings.HasPrefix(resp, "HTTP/1.1 400 Bad Request\r\n") {
				t.Errorf("400が返されませんでした: %q", resp)
			}
		})
	}

	// 以降のリクエストも処理される
	resp := rawRequest(t, addr, "GET /index.html HTTP/1.1\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(resp, "\r\n\r\nok") {
		t.Errorf("正常なリクエストが処理されませんでした: %q", resp)
	}
	waitForLog(t, out, `"- -" 400 `)
}

// TestServerWireFormat はレスポンスのワイヤー形式をテストする
func TestServerWireFormat(t *testing.T) {
	srv, _, _ := startServer(t, testConfig(t, testWebRoot(t)))
	addr, _ := srv.Addr()

	raw := rawRequest(t, addr, "GET /index.html HTTP/1.1\r\nUser-Agent: wire\r\n\r\n")
	head, body, ok := strings.Cut(raw, "\r\n\r\n")
	if !ok {
		t.Fatalf("ヘッダーの区切りがありません: %q", raw)
	}
	if body != "ok" {
		t.Errorf("ボディが一致しません: got %q", body)
	}

	lines := strings.Split(head, "\r\n")
	if lines[0] != "HTTP/1.1 200 OK" {
		t.Errorf("ステータス行が一致しません: got %q", lines[0])
	}

	var names []string
	for _, line := range lines[1:] {
		name, _, _ := strings.Cut(line, ": ")
		names = append(names, name)
	}
	want := "Server,Connection,Content-Type,X-Request-Id,Content-Length"
	if strings.Join(names, ",") != want {
		t.Errorf("ヘッダーの順序が一致しません: got %v", names)
	}
	if !strings.Contains(head, "\r\nConnection: Close\r\n") || !strings.Contains(head, "\r\nContent-Length: 2") {
		t.Errorf("ヘッダーが不正です:\n%s", head)
	}
}

// TestServerAcceptOrder は接続を受け付けた順に処理することをテストする
func TestServerAcceptOrder(t *testing.T) {
	srv, _, out := startServer(t, testConfig(t, testWebRoot(t)))
	addr, _ := srv.Addr()

	const n = 3
	conns := make([]net.Conn, n)
	for i := range conns {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			t.Fatalf("接続に失敗しました: %v", err)
		}
		defer conn.Close()
		conns[i] = conn
	}

	// 後に接続したものから送信しても、処理は接続順になる
	for i := n - 1; i >= 0; i-- {
		req := fmt.Sprintf("GET /missing-%d HTTP/1.1\r\n\r\n", i)
		if _, err := conns[i].Write([]byte(req)); err != nil {
			t.Fatalf("送信に失敗しました: %v", err)
		}
	}
	for _, conn := range conns {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		if _, err := io.ReadAll(conn); err != nil {
			t.Fatalf("受信に失敗しました: %v", err)
		}
	}

	waitForLog(t, out, fmt.Sprintf("/missing-%d", n-1))

	log := out.String()
	prev := -1
	for i := 0; i < n; i++ {
		pos := strings.Index(log, fmt.Sprintf("\"GET /missing-%d\"", i))
		if pos < 0 {
			t.Fatalf("アクセスログがありません: /missing-%d\n%s", i, log)
		}
		if pos < prev {
			t.Errorf("接続順に処理されていません:\n%s", log)
		}
		prev = pos
	}
}

// TestServerAccessLog はアクセスログの形式をテストする
func TestServerAccessLog(t *testing.T) {
	srv, _, out := startServer(t, testConfig(t, testWebRoot(t)))
	addr, _ := srv.Addr()

	rawRequest(t, addr, "GET /index.html?x=1 HTTP/1.1\r\nUser-Agent: log-test/1.0\r\n\r\n")

	waitForLog(t, out, `127.0.0.1: "GET /index.html?x=1" 200 2 "log-test/1.0"`)
}

func TestAccessLine(t *testing.T) {
	resp := message.NewResponse(404)
	resp.Body = []byte("404 Not Found\n")

	req, err := message.ParseRequest([]byte("GET /a HTTP/1.1\r\n\r\n"))
	if err != nil {
		t.Fatalf("リクエストの解析に失敗しました: %v", err)
	}

	testCases := []struct {
		name string
		req  *message.Request
		want string
	}{
		{"User-Agentなし", req, `10.0.0.1: "GET /a" 404 14 "-"`},
		{"解析失敗", nil, `10.0.0.1: "- -" 404 14 "-"`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := accessLine("10.0.0.1", tc.req, resp); got != tc.want {
				t.Errorf("アクセスログが一致しません: got %s, want %s", got, tc.want)
			}
		})
	}
}

// TestServerStateAndStop は状態遷移と停止をテストする
func TestServerStateAndStop(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, testWebRoot(t))
	cfg.Server.PIDFile = filepath.Join(dir, "httpd.pid")

	srv := New(cfg, WithLogger(logger.New(&syncBuffer{}, "")))
	if srv.State() != StateStopped {
		t.Errorf("初期状態が一致しません: got %s", srv.State())
	}

	if err := srv.Listen(); err != nil {
		t.Fatalf("待ち受けの開始に失敗しました: %v", err)
	}
	if srv.State() != StateListening {
		t.Errorf("待ち受け開始後の状態が一致しません: got %s", srv.State())
	}

	// PIDファイルの検証
	data, err := os.ReadFile(cfg.Server.PIDFile)
	if err != nil {
		t.Fatalf("PIDファイルが作成されていません: %v", err)
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Errorf("PIDが一致しません: got %q", data)
	}

	if err := srv.Listen(); err == nil {
		t.Error("二重のListenでエラーが期待されました")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(context.Background())
	}()

	deadline := time.Now().Add(time.Second)
	for srv.State() != StateIdle && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.State() != StateIdle {
		t.Errorf("接続待ちの状態になりません: got %s", srv.State())
	}

	start := time.Now()
	srv.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("停止に時間がかかりすぎています: %v", elapsed)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serveがエラーを返しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serveが終了しませんでした")
	}

	if srv.State() != StateStopped {
		t.Errorf("停止後の状態が一致しません: got %s", srv.State())
	}
	if _, err := os.Stat(cfg.Server.PIDFile); !os.IsNotExist(err) {
		t.Error("PIDファイルが削除されていません")
	}
	if _, err := srv.Addr(); err == nil {
		t.Error("停止後のAddrでエラーが期待されました")
	}

	// 二重の停止
	srv.Stop()
}

// TestServerStartAndShutdown はコンテキストの終了による停止をテストする
func TestServerStartAndShutdown(t *testing.T) {
	srv := New(testConfig(t, testWebRoot(t)), WithLogger(logger.New(&syncBuffer{}, "")))

	// テスト用のコンテキスト（タイムアウト付き）
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// サーバーが起動するまで少し待つ
	time.Sleep(100 * time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("サーバーの起動/停止でエラーが発生しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}

	if srv.State() != StateStopped {
		t.Errorf("停止後の状態が一致しません: got %s", srv.State())
	}
}

// TestServerIdleLatency は接続待ちの間も素早く応答することをテストする
func TestServerIdleLatency(t *testing.T) {
	cfg := testConfig(t, testWebRoot(t))
	cfg.Server.PollInterval = time.Second
	srv, _, _ := startServer(t, cfg)
	addr, _ := srv.Addr()

	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	rawRequest(t, addr, "GET /index.html HTTP/1.1\r\n\r\n")
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("応答に時間がかかりすぎています: %v", elapsed)
	}
}

// TestServerListenErrors は待ち受けの準備の失敗をテストする
func TestServerListenErrors(t *testing.T) {
	used, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ポートの確保に失敗しました: %v", err)
	}
	defer used.Close()
	usedPort := used.Addr().(*net.TCPAddr).Port

	testCases := []struct {
		name   string
		modify func(c *config.Config)
	}{
		{"使用中のポート", func(c *config.Config) { c.Server.Port = usedPort }},
		{"存在しない公開ディレクトリ", func(c *config.Config) { c.Server.WebRoot = "/nonexistent/web/root" }},
		{"存在しないMIMEファイル", func(c *config.Config) { c.MIME.File = "/nonexistent/mime.yaml" }},
		{"書き込めないPIDファイル", func(c *config.Config) { c.Server.PIDFile = "/nonexistent/dir/httpd.pid" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t, testWebRoot(t))
			tc.modify(cfg)

			srv := New(cfg, WithLogger(logger.New(&syncBuffer{}, "")))
			if err := srv.Listen(); err == nil {
				srv.Stop()
				t.Fatal("エラーが期待されましたが、エラーが発生しませんでした")
			}
			if srv.State() != StateStopped {
				t.Errorf("失敗後の状態が一致しません: got %s", srv.State())
			}
		})
	}
}

// TestServerCGI はCGIスクリプトの実行をテストする
func TestServerCGI(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh が見つかりません")
	}

	root := testWebRoot(t)
	script := "printf 'Content-Type: text/plain\\r\\n\\r\\n'\n" +
		"printf '%s %s' \"$REQUEST_METHOD\" \"$QUERY_STRING\"\n"
	if err := os.WriteFile(filepath.Join(root, "hello.sh"), []byte(script), 0644); err != nil {
		t.Fatalf("スクリプトの作成に失敗しました: %v", err)
	}

	cfg := testConfig(t, root)
	cfg.CGI.Extension = ".sh"
	cfg.CGI.Interpreter = sh
	_, baseURL, _ := startServer(t, cfg)

	resp, err := http.Get(baseURL + "/hello.sh?name=go")
	if err != nil {
		t.Fatalf("リクエストに失敗しました: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ステータスコードが一致しません: got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Typeが一致しません: got %s", ct)
	}
	if string(body) != "GET name=go" {
		t.Errorf("ボディが一致しません: got %q", body)
	}
}

func TestStateString(t *testing.T) {
	testCases := []struct {
		state State
		want  string
	}{
		{StateStopped, "stopped"},
		{StateListening, "listening"},
		{StateIdle, "idle"},
		{StateServing, "serving"},
		{State(99), "unknown"},
	}

	for _, tc := range testCases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("状態名が一致しません: got %s, want %s", got, tc.want)
		}
	}
}
