package message

import (
	"bytes"
	"strings"
)

// ParseCGIOutput はCGIプロセスの標準出力をヘッダーとボディに分割する
// 区切りはリクエストと同じ空行 (CRLF CRLF) だが、LFのみの出力も受け付ける
// 両方含まれる場合は先に現れた方をヘッダーの終わりとする
func ParseCGIOutput(raw []byte) (*Header, []byte, error) {
	head, body, ok := splitCGIHead(raw)
	if !ok {
		return nil, nil, &ParseError{Err: ErrNoHeaderDelimiter}
	}

	header := NewHeader()
	if len(head) == 0 {
		return header, body, nil
	}

	for _, line := range strings.Split(string(head), "\n") {
		line = strings.TrimSuffix(line, "\r")
		name, value, err := parseHeaderLine(line)
		if err != nil {
			return nil, nil, err
		}
		// 改行を含む値はそのまま送るとレスポンスが分割される
		if strings.ContainsAny(name, "\r\n") || strings.ContainsAny(value, "\r\n") {
			return nil, nil, &ParseError{Err: ErrBadHeaderLine, Line: line}
		}
		header.Set(name, value)
	}

	return header, body, nil
}

func splitCGIHead(raw []byte) (head, body []byte, ok bool) {
	crlfIdx := bytes.Index(raw, headerEnd)
	lfIdx := bytes.Index(raw, lfEnd)

	switch {
	case crlfIdx < 0 && lfIdx < 0:
		return nil, nil, false
	case lfIdx < 0 || (crlfIdx >= 0 && crlfIdx < lfIdx):
		return raw[:crlfIdx], raw[crlfIdx+len(headerEnd):], true
	default:
		return raw[:lfIdx], raw[lfIdx+len(lfEnd):], true
	}
}
