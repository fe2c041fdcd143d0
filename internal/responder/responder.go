package responder

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"

	"minihttpd/internal/cgi"
	"minihttpd/internal/message"
	"minihttpd/internal/mimetable"
)

// ServerName は Server ヘッダーに入れる名前
const ServerName = "minihttpd"

// ヘッダー名
const (
	HeaderServer      = "Server"
	HeaderConnection  = "Connection"
	HeaderContentType = "Content-Type"
	HeaderRequestID   = "X-Request-Id"
	headerStatus      = "Status"
	headerLocation    = "Location"
)

// NewPage は共通ヘッダーを持つレスポンスを作成する
func NewPage(code int, body []byte) *message.Response {
	resp := message.NewResponse(code)
	resp.Header.Set(HeaderServer, ServerName)
	resp.Header.Set(HeaderConnection, "Close")
	resp.Header.Set(HeaderContentType, mimetable.DefaultType)
	resp.Header.Set(HeaderRequestID, uuid.New().String())
	resp.Body = body
	return resp
}

// StaticFile はファイル全体をボディとするレスポンスを作成する
func StaticFile(file string, types *mimetable.Table) (*message.Response, error) {
	body, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("ファイルの読み込みに失敗: %w", err)
	}

	resp := NewPage(200, body)
	resp.Header.Set(HeaderContentType, types.TypeFor(file, body))
	return resp, nil
}

// DirectoryListing はディレクトリ内のエントリへのリンク一覧を作成する
// isRoot が false の場合は親ディレクトリへのリンクも含める
func DirectoryListing(dir, requestPath string, isRoot bool) (*message.Response, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ディレクトリの読み込みに失敗: %w", err)
	}

	base := strings.TrimSuffix(requestPath, "/")
	title := html.EscapeString(base + "/")

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	fmt.Fprintf(&b, "<meta charset=\"UTF-8\">\n<title>Index of %s</title>\n", title)
	b.WriteString("</head>\n<body>\n")
	fmt.Fprintf(&b, "<h1>Index of %s</h1>\n<ul>\n", title)

	if !isRoot {
		parent := escapePath(path.Dir(base))
		fmt.Fprintf(&b, "<li><a href=\"%s\">..</a></li>\n", html.EscapeString(parent))
	}

	escapedBase := escapePath(base)

	for _, entry := range entries {
		name := entry.Name()
		if name == "." || name == ".." {
			continue
		}

		label := name
		if entry.IsDir() {
			label += "/"
		}
		href := escapedBase + "/" + url.PathEscape(name)
		fmt.Fprintf(&b, "<li><a href=\"%s\">%s</a></li>\n", html.EscapeString(href), html.EscapeString(label))
	}

	b.WriteString("</ul>\n</body>\n</html>\n")

	return NewPage(200, []byte(b.String())), nil
}

// escapePath はパスの各セグメントをエスケープする
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// CGI はスクリプトを実行し、その出力のヘッダーとボディを取り込んだレスポンスを作成する
func CGI(ctx context.Context, runner cgi.Runner, inv cgi.Invocation) (*message.Response, error) {
	out, err := runner.Run(ctx, inv)
	if err != nil {
		return nil, err
	}

	header, body, err := message.ParseCGIOutput(out)
	if err != nil {
		return nil, &cgi.Error{Script: inv.Script, Err: fmt.Errorf("CGIの出力が不正です: %w", err)}
	}

	resp := NewPage(200, body)
	hasStatus, hasLocation := false, false

	for _, name := range header.Names() {
		value, _ := header.Get(name)

		switch {
		case strings.EqualFold(name, headerStatus):
			code, msg, ok := message.ParseStatus(value)
			if !ok {
				return nil, &cgi.Error{Script: inv.Script, Err: fmt.Errorf("不正なStatusヘッダー: %q", value)}
			}
			resp.SetStatus(code, msg)
			hasStatus = true
		case strings.EqualFold(name, message.HeaderContentLength):
			// 描画時に計算し直す
		case strings.EqualFold(name, HeaderContentType):
			resp.Header.Set(HeaderContentType, value)
		case strings.EqualFold(name, headerLocation):
			resp.Header.Set(name, value)
			hasLocation = true
		default:
			resp.Header.Set(name, value)
		}
	}

	// Status なしの Location はリダイレクトとして扱う
	if hasLocation && !hasStatus {
		resp.SetStatus(302, "")
	}

	return resp, nil
}

// Error はエラーページを作成する
func Error(code int) *message.Response {
	body := fmt.Sprintf("%d %s\n", code, message.StatusMessage(code))
	resp := NewPage(code, []byte(body))
	resp.Header.Set(HeaderContentType, "text/plain")
	return resp
}
