// Package dispatch はリクエストパスを公開ディレクトリ内の実体に解決し、
// 対応するレスポンスの組み立て方を選ぶ
//
// 振り分け規則:
//   - "/" で始まらないパスと不正なエスケープ (NULを含むものも) は 400
//   - 存在しないパスは 404
//   - 公開ディレクトリの外を指すパス (.. やシンボリックリンク経由) は 403
//   - CGI拡張子の通常ファイルはCGIとして実行 (失敗は 502、時間切れは 504)
//   - その他の通常ファイルは静的ファイル
//   - ディレクトリは一覧
//   - デバイスやソケットなどは 403
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"minihttpd/internal/cgi"
	"minihttpd/internal/message"
	"minihttpd/internal/mimetable"
	"minihttpd/internal/responder"
)

// Dispatcher はリクエストを振り分けてレスポンスを返す
type Dispatcher struct {
	webRoot string // シンボリックリンク解決済みの公開ディレクトリ
	types   *mimetable.Table
	runner  cgi.Runner
	cgiExt  string
	errorf  func(format string, args ...any)
}

// Option はDispatcherの設定を変更する
type Option func(*Dispatcher)

// WithErrorLog はエラーレスポンスを返す際の原因の出力先を設定する
func WithErrorLog(errorf func(format string, args ...any)) Option {
	return func(d *Dispatcher) {
		d.errorf = errorf
	}
}

// New は新しいDispatcherを作成する
// webRoot は存在するディレクトリである必要がある
func New(webRoot string, types *mimetable.Table, runner cgi.Runner, cgiExt string, opts ...Option) (*Dispatcher, error) {
	abs, err := filepath.Abs(webRoot)
	if err != nil {
		return nil, fmt.Errorf("公開ディレクトリの解決に失敗: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("公開ディレクトリの解決に失敗: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("公開ディレクトリの確認に失敗: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("公開ディレクトリがディレクトリではありません: %s", resolved)
	}

	if types == nil {
		types = mimetable.Builtin()
	}

	d := &Dispatcher{
		webRoot: resolved,
		types:   types,
		runner:  runner,
		cgiExt:  strings.ToLower(cgiExt),
		errorf:  func(string, ...any) {},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// WebRoot は解決済みの公開ディレクトリを返す
func (d *Dispatcher) WebRoot() string {
	return d.webRoot
}

// Dispatch はリクエストに対応するレスポンスを返す
// 失敗はすべてエラーページとして返すため、戻り値は常に送信可能な状態
func (d *Dispatcher) Dispatch(ctx context.Context, req *message.Request, remoteAddr string) *message.Response {
	if !strings.HasPrefix(req.Path, "/") {
		return responder.Error(400)
	}

	// 一覧のリンクはエスケープされているため元に戻す
	requestPath, err := url.PathUnescape(req.Path)
	if err != nil || strings.ContainsRune(requestPath, 0) {
		return responder.Error(400)
	}

	target := filepath.Join(d.webRoot, filepath.FromSlash(requestPath))
	if !d.contains(target) {
		return responder.Error(403)
	}

	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return responder.Error(404)
		}
		d.errorf("パスの解決に失敗: %s: %v", target, err)
		return responder.Error(500)
	}
	if !d.contains(resolved) {
		return responder.Error(403)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return responder.Error(404)
		}
		d.errorf("ファイル情報の取得に失敗: %s: %v", resolved, err)
		return responder.Error(500)
	}

	switch mode := info.Mode(); {
	case mode.IsRegular() && d.isCGI(resolved):
		return d.serveCGI(ctx, req, resolved, remoteAddr)
	case mode.IsRegular():
		resp, err := responder.StaticFile(resolved, d.types)
		if err != nil {
			d.errorf("%v", err)
			return responder.Error(500)
		}
		return resp
	case mode.IsDir():
		resp, err := responder.DirectoryListing(resolved, requestPath, resolved == d.webRoot)
		if err != nil {
			d.errorf("%v", err)
			return responder.Error(500)
		}
		return resp
	default:
		return responder.Error(403)
	}
}

func (d *Dispatcher) serveCGI(ctx context.Context, req *message.Request, script, remoteAddr string) *message.Response {
	if d.runner == nil {
		return responder.Error(403)
	}

	inv := cgi.Invocation{
		Script: script,
		Env:    d.cgiEnv(req, script, remoteAddr),
		Stdin:  req.Body,
	}

	resp, err := responder.CGI(ctx, d.runner, inv)
	if err != nil {
		d.errorf("%v", err)
		var cgiErr *cgi.Error
		if errors.As(err, &cgiErr) && cgiErr.Timeout {
			return responder.Error(504)
		}
		return responder.Error(502)
	}
	return resp
}

// cgiEnv はCGIスクリプトに渡す環境変数を作成する
func (d *Dispatcher) cgiEnv(req *message.Request, script, remoteAddr string) []string {
	proto := req.Proto
	if proto == "" {
		proto = message.Proto
	}

	return []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_PROTOCOL=" + proto,
		"SERVER_SOFTWARE=" + responder.ServerName,
		"REDIRECT_STATUS=200",
		"SCRIPT_FILENAME=" + script,
		"SCRIPT_NAME=" + req.Path,
		"REQUEST_METHOD=" + req.Method,
		"REQUEST_URI=" + req.Target(),
		"QUERY_STRING=" + req.Query,
		"CONTENT_LENGTH=" + strconv.Itoa(len(req.Body)),
		"CONTENT_TYPE=" + req.HeaderValue("Content-Type"),
		"HTTP_USER_AGENT=" + req.HeaderValue("User-Agent"),
		"REMOTE_ADDR=" + remoteAddr,
	}
}

func (d *Dispatcher) isCGI(file string) bool {
	return d.cgiExt != "" && strings.ToLower(filepath.Ext(file)) == d.cgiExt
}

// contains は path が公開ディレクトリ自身またはその配下かを判定する
func (d *Dispatcher) contains(path string) bool {
	if path == d.webRoot {
		return true
	}
	return strings.HasPrefix(path, d.webRoot+string(filepath.Separator)) ||
		d.webRoot == string(filepath.Separator)
}
