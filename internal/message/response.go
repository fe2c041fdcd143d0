package message

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
)

// Proto はレスポンスのプロトコルバージョン (固定)
const Proto = "HTTP/1.1"

// HeaderContentLength は描画時に必ず再計算されるヘッダー名
const HeaderContentLength = "Content-Length"

// Response はステータス行・ヘッダー・ボディを保持するHTTPレスポンス
type Response struct {
	Proto      string
	StatusCode int
	Message    string
	Header     *Header
	Body       []byte
}

// NewResponse は指定したステータスコードのレスポンスを作成する
func NewResponse(code int) *Response {
	return &Response{
		Proto:      Proto,
		StatusCode: code,
		Message:    StatusMessage(code),
		Header:     NewHeader(),
	}
}

// SetStatus はステータスコードとメッセージを設定する
func (r *Response) SetStatus(code int, message string) {
	r.StatusCode = code
	if message == "" {
		message = StatusMessage(code)
	}
	r.Message = message
}

// ContentLength は現在のボディの長さを返す
func (r *Response) ContentLength() int {
	return len(r.Body)
}

// Render はレスポンスをワイヤー形式に変換する
// Content-Length は常に現在のボディ長から計算し直す
func (r *Response) Render() []byte {
	r.Header.Set(HeaderContentLength, strconv.Itoa(len(r.Body)))

	proto := r.Proto
	if proto == "" {
		proto = Proto
	}

	var buf bytes.Buffer
	buf.WriteString(proto)
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(r.StatusCode))
	buf.WriteByte(' ')
	buf.WriteString(r.Message)
	buf.Write(crlf)

	for _, name := range r.Header.names {
		buf.WriteString(name)
		buf.WriteString(nameSep)
		buf.WriteString(r.Header.values[name])
		buf.Write(crlf)
	}

	buf.Write(crlf)
	buf.Write(r.Body)
	return buf.Bytes()
}

// StatusMessage はステータスコードに対応する標準の理由句を返す
func StatusMessage(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "Unknown"
}

// ParseStatus は CGI の Status ヘッダー ("404 Not Found") を解析する
func ParseStatus(value string) (int, string, bool) {
	codeStr, message, _ := strings.Cut(strings.TrimSpace(value), " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 999 {
		return 0, "", false
	}
	return code, strings.TrimSpace(message), true
}
