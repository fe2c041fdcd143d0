package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"minihttpd/internal/cgi"
	"minihttpd/internal/config"
	"minihttpd/internal/dispatch"
	"minihttpd/internal/logger"
	"minihttpd/internal/message"
	"minihttpd/internal/mimetable"
	"minihttpd/internal/responder"
	"minihttpd/internal/socket"
)

// State はサーバーの稼働状態
type State int32

const (
	StateStopped   State = iota // 停止中
	StateListening              // 待ち受け開始直後
	StateIdle                   // 接続待ち
	StateServing                // 接続を処理中
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateListening:
		return "listening"
	case StateIdle:
		return "idle"
	case StateServing:
		return "serving"
	default:
		return "unknown"
	}
}

// Server は1本のループで接続を1つずつ処理するHTTPサーバー
type Server struct {
	config *config.Config
	logger *logger.Logger
	runner cgi.Runner
	types  *mimetable.Table

	mu         sync.Mutex
	listener   socket.Listener
	dispatcher *dispatch.Dispatcher
	serving    bool
	done       chan struct{}

	state    atomic.Int32
	stopping atomic.Bool
}

// Option はServerの設定を変更する
type Option func(*Server)

// WithLogger はログの出力先を設定する
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithRunner はCGIの実行方法を設定する
func WithRunner(r cgi.Runner) Option {
	return func(s *Server) {
		s.runner = r
	}
}

// WithMIMETable はContent-Typeの対応表を設定する
func WithMIMETable(t *mimetable.Table) Option {
	return func(s *Server) {
		s.types = t
	}
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, opts ...Option) *Server {
	s := &Server{config: cfg}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = logger.New(os.Stdout, cfg.Log.File)
	}
	if s.runner == nil {
		s.runner = cgi.NewExecRunner(cfg.CGI.Interpreter, cfg.CGI.Timeout)
	}
	return s
}

// State は現在の稼働状態を返す
func (s *Server) State() State {
	return State(s.state.Load())
}

func (s *Server) setState(state State) {
	s.state.Store(int32(state))
}

// Addr は待ち受け中のアドレスを返す
func (s *Server) Addr() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return "", errors.New("サーバーは待ち受けていません")
	}
	return s.listener.Addr()
}

// Listen は待ち受けソケットを準備する
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("サーバーは既に待ち受けています")
	}

	types, err := s.mimeTable()
	if err != nil {
		return err
	}

	d, err := dispatch.New(s.config.Server.WebRoot, types, s.runner, s.config.CGI.Extension,
		dispatch.WithErrorLog(s.logger.Errorf))
	if err != nil {
		return err
	}

	ln, err := s.openListener()
	if err != nil {
		return err
	}

	if pidFile := s.config.Server.PIDFile; pidFile != "" {
		if err := writePIDFile(pidFile); err != nil {
			_ = ln.Close()
			return err
		}
	}

	if err := s.logger.Open(); err != nil {
		_ = ln.Close()
		if s.config.Server.PIDFile != "" {
			_ = removePIDFile(s.config.Server.PIDFile)
		}
		return fmt.Errorf("ログの準備に失敗: %w", err)
	}

	s.listener = ln
	s.dispatcher = d
	s.done = make(chan struct{})
	s.stopping.Store(false)
	s.setState(StateListening)

	addr, _ := ln.Addr()
	s.logger.Infof("待ち受けを開始しました: %s (公開ディレクトリ: %s)", addr, d.WebRoot())
	return nil
}

// openListener はソケットを作成してバインドし、ノンブロッキングで待ち受ける
func (s *Server) openListener() (socket.Listener, error) {
	ln, err := socket.NewTCP()
	if err != nil {
		return nil, err
	}

	steps := []func() error{
		func() error { return ln.SetReuseAddress(true) },
		func() error { return ln.Bind(s.config.Server.Address, s.config.Server.Port) },
		func() error { return ln.Listen(s.config.Server.Backlog) },
		ln.SetNonBlocking,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("待ち受けの準備に失敗 (%s): %w", s.config.ServerAddress(), err)
		}
	}
	return ln, nil
}

func (s *Server) mimeTable() (*mimetable.Table, error) {
	if s.types != nil {
		return s.types, nil
	}

	types := mimetable.Builtin()
	if file := s.config.MIME.File; file != "" {
		loaded, err := mimetable.LoadFile(file)
		if err != nil {
			return nil, err
		}
		types = loaded
	}
	types.Sniff = s.config.MIME.Sniff
	s.types = types
	return types, nil
}

// Serve は停止が要求されるまで接続を1つずつ受け付けて処理する
// 接続単位の失敗はログに出してループを続け、待ち受けソケットの失敗のみを返す
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln, d := s.listener, s.dispatcher
	if ln == nil {
		s.mu.Unlock()
		return errors.New("Listen が呼ばれていません")
	}
	s.serving = true
	s.mu.Unlock()

	defer s.shutdown()

	for !s.stopping.Load() && ctx.Err() == nil {
		s.setState(StateIdle)

		ready, err := ln.Wait(s.config.Server.PollInterval)
		if err != nil {
			return fmt.Errorf("接続待ちに失敗: %w", err)
		}
		if !ready {
			continue
		}

		conn, ok, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("接続の受け付けに失敗: %w", err)
		}
		if !ok {
			continue
		}

		s.setState(StateServing)
		s.serveConn(ctx, d, conn)
	}

	s.logger.Debugf("待ち受けループを終了します")
	return nil
}

// serveConn は1つの接続でリクエストを1回受信し、レスポンスを送って閉じる
func (s *Server) serveConn(ctx context.Context, d *dispatch.Dispatcher, conn socket.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddress()
	if err := conn.SetTimeouts(s.config.Server.ReadTimeout, s.config.Server.WriteTimeout); err != nil {
		s.logger.Errorf("%s: %v", remote, err)
		return
	}

	raw, err := conn.Read(s.config.Server.ReadBufferSize)
	if err != nil {
		s.logger.Errorf("%s: 受信に失敗: %v", remote, err)
		return
	}
	if len(raw) == 0 {
		return
	}

	var resp *message.Response
	req, err := message.ParseRequest(raw)
	if err != nil {
		s.logger.Errorf("%s: %v", remote, err)
		resp = responder.Error(400)
	} else {
		resp = d.Dispatch(ctx, req, remote)
	}

	if err := conn.Write(resp.Render()); err != nil {
		s.logger.Errorf("%s: 送信に失敗: %v", remote, err)
		return
	}

	s.logger.Log(accessLine(remote, req, resp))
}

// accessLine はアクセスログの1行を作成する
func accessLine(remote string, req *message.Request, resp *message.Response) string {
	method, path, agent := "-", "-", "-"
	if req != nil {
		method, path = req.Method, req.Target()
		if ua := req.HeaderValue("User-Agent"); ua != "" {
			agent = ua
		}
	}
	return fmt.Sprintf("%s: \"%s %s\" %d %d \"%s\"",
		remote, method, path, resp.StatusCode, resp.ContentLength(), agent)
}

// Start はサーバーを起動し、シグナルかコンテキストの終了まで処理を続ける
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-ctx.Done():
		case sig := <-sigCh:
			s.logger.Infof("シグナルを受信しました: %v", sig)
			s.stopping.Store(true)
		}
	}()

	return s.Serve(ctx)
}

// Stop はサーバーを停止する
// Serve の実行中は、処理中の接続を終えてループが抜けるまで待つ
func (s *Server) Stop() {
	s.stopping.Store(true)

	s.mu.Lock()
	serving, done := s.serving, s.done
	s.mu.Unlock()

	if !serving {
		s.shutdown()
		return
	}
	if done != nil {
		<-done
	}
}

// shutdown は待ち受けソケットとPIDファイル、ログを片付ける
func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return
	}

	if err := s.listener.Close(); err != nil {
		s.logger.Errorf("待ち受けソケットのクローズに失敗: %v", err)
	}
	if pidFile := s.config.Server.PIDFile; pidFile != "" {
		if err := removePIDFile(pidFile); err != nil {
			s.logger.Errorf("%v", err)
		}
	}

	time.Sleep(s.config.Server.ShutdownGrace)
	s.logger.Infof("サーバーを停止しました")
	if err := s.logger.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "ログのクローズに失敗: %v\n", err)
	}

	s.listener = nil
	s.dispatcher = nil
	s.serving = false
	close(s.done)
	s.setState(StateStopped)
}
