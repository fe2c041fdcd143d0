// Package mimetable は拡張子からContent-Typeを引く対応表を提供する
package mimetable

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"gopkg.in/yaml.v3"
)

// DefaultType は拡張子が無い、または対応表に無い場合のContent-Type
const DefaultType = "text/html"

// builtinTypes は設定ファイルが無い場合に使う対応表
var builtinTypes = map[string]string{
	"html": "text/html",
	"htm":  "text/html",
	"css":  "text/css",
	"js":   "application/javascript",
	"json": "application/json",
	"xml":  "application/xml",
	"txt":  "text/plain",
	"csv":  "text/csv",
	"md":   "text/markdown",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"svg":  "image/svg+xml",
	"ico":  "image/x-icon",
	"webp": "image/webp",
	"pdf":  "application/pdf",
	"zip":  "application/zip",
	"gz":   "application/gzip",
	"tar":  "application/x-tar",
	"mp3":  "audio/mpeg",
	"mp4":  "video/mp4",
	"woff": "font/woff",
	"wasm": "application/wasm",
}

// Table は小文字の拡張子 (ドットなし) からContent-Typeへの対応表
type Table struct {
	types map[string]string

	// Sniff が有効な場合、対応表に無いファイルは内容から判定する
	Sniff bool
}

// New は対応表を作成する
func New(types map[string]string) *Table {
	t := &Table{types: make(map[string]string, len(types))}
	for ext, contentType := range types {
		t.types[normalizeExt(ext)] = contentType
	}
	return t
}

// Builtin は組み込みの対応表を返す
func Builtin() *Table {
	return New(builtinTypes)
}

// LoadFile はYAMLファイル ("拡張子: タイプ" の対応) から対応表を読み込む
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("MIMEタイプファイルの読み込みに失敗: %w", err)
	}

	var types map[string]string
	if err := yaml.Unmarshal(data, &types); err != nil {
		return nil, fmt.Errorf("MIMEタイプファイルの解析に失敗: %w", err)
	}

	return New(types), nil
}

// Lookup は拡張子に対応するContent-Typeを返す
func (t *Table) Lookup(ext string) (string, bool) {
	contentType, ok := t.types[normalizeExt(ext)]
	return contentType, ok
}

// TypeFor はファイル名と内容からContent-Typeを決定する
// 対応表に無い場合は Sniff が有効なら内容から判定し、それ以外は DefaultType を返す
func (t *Table) TypeFor(name string, content []byte) string {
	if contentType, ok := t.Lookup(filepath.Ext(name)); ok {
		return contentType
	}
	if t.Sniff && len(content) > 0 {
		return mimetype.Detect(content).String()
	}
	return DefaultType
}

// Len は登録されている拡張子の数を返す
func (t *Table) Len() int {
	return len(t.types)
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
