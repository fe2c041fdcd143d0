package message

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// 解析エラーの種類
var (
	ErrNoHeaderDelimiter = errors.New("ヘッダーとボディの区切り(空行)がありません")
	ErrBadRequestLine    = errors.New("リクエスト行が不正です")
	ErrBadHeaderLine     = errors.New("ヘッダー行が不正です")
)

var (
	crlf       = []byte("\r\n")
	headerEnd  = []byte("\r\n\r\n")
	lfEnd      = []byte("\n\n")
	nameSep    = ": "
	defaultVer = "HTTP/1.1"
)

// ParseError は受信データがHTTPメッセージとして解析できないことを表す
type ParseError struct {
	Err  error  // 解析エラーの種類
	Line string // 問題のあった行 (分かる場合)
}

func (e *ParseError) Error() string {
	if e.Line != "" {
		return fmt.Sprintf("%v: %q", e.Err, e.Line)
	}
	return e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Request は1回の受信バッファから構築されるHTTPリクエスト
type Request struct {
	Method   string            // メソッド (GET, POST ...)
	Path     string            // リクエストパス (パーセントデコードはしない)
	Query    string            // クエリ文字列 ('?' より後)
	HasQuery bool              // リクエストターゲットに '?' が含まれていたか
	Proto    string            // プロトコルバージョン (省略時は空)
	Header   map[string]string // ヘッダー (受信したままの大文字小文字、重複時は後勝ち)
	Body     []byte            // ボディ
}

// ParseRequest は受信バッファをHTTPリクエストとして解析する
// ヘッダーとボディの全体が1つのバッファに収まっていることを前提とする
func ParseRequest(raw []byte) (*Request, error) {
	head, body, ok := splitHead(raw, headerEnd)
	if !ok {
		return nil, &ParseError{Err: ErrNoHeaderDelimiter}
	}

	lines := strings.Split(string(head), string(crlf))

	// リクエスト行: メソッドとリクエストターゲット
	fields := strings.Fields(lines[0])
	if len(fields) < 2 {
		return nil, &ParseError{Err: ErrBadRequestLine, Line: lines[0]}
	}

	req := &Request{
		Method: fields[0],
		Header: make(map[string]string, len(lines)-1),
		Body:   body,
	}
	if len(fields) > 2 {
		req.Proto = fields[2]
	}
	req.Path, req.Query, req.HasQuery = strings.Cut(fields[1], "?")

	for _, line := range lines[1:] {
		name, value, err := parseHeaderLine(line)
		if err != nil {
			return nil, err
		}
		req.Header[name] = value
	}

	return req, nil
}

// Target はクエリを含むリクエストターゲットを返す
func (r *Request) Target() string {
	if r.HasQuery {
		return r.Path + "?" + r.Query
	}
	return r.Path
}

// HeaderValue はヘッダーの値を返す (存在しない場合は空文字)
// 完全一致が無ければ大文字小文字を区別せずに探す
func (r *Request) HeaderValue(name string) string {
	if value, ok := r.Header[name]; ok {
		return value
	}
	for n, value := range r.Header {
		if strings.EqualFold(n, name) {
			return value
		}
	}
	return ""
}

// Render はリクエストをワイヤー形式に変換する
// ヘッダーは名前順に並べる
func (r *Request) Render() []byte {
	proto := r.Proto
	if proto == "" {
		proto = defaultVer
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", r.Method, r.Target(), proto)

	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&buf, "%s%s%s\r\n", name, nameSep, r.Header[name])
	}

	buf.Write(crlf)
	buf.Write(r.Body)
	return buf.Bytes()
}

// splitHead は最初の区切りでヘッダー部とボディ部に分割する
func splitHead(raw, delim []byte) (head, body []byte, ok bool) {
	idx := bytes.Index(raw, delim)
	if idx < 0 {
		return nil, nil, false
	}
	return raw[:idx], raw[idx+len(delim):], true
}

// parseHeaderLine は "名前: 値" 形式の行を分割する
// ": " が無い場合は最初の ':' で分割し、値の前後の空白を取り除く
func parseHeaderLine(line string) (string, string, error) {
	if name, value, ok := strings.Cut(line, nameSep); ok {
		return name, value, nil
	}
	if name, value, ok := strings.Cut(line, ":"); ok && name != "" {
		return name, strings.TrimSpace(value), nil
	}
	return "", "", &ParseError{Err: ErrBadHeaderLine, Line: line}
}
