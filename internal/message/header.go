package message

// Header は挿入順を保持するヘッダー集合
// レスポンスではこの順序がそのまま送信順になる
type Header struct {
	names  []string
	values map[string]string
}

// NewHeader は空のHeaderを作成する
func NewHeader() *Header {
	return &Header{values: make(map[string]string)}
}

// Set はヘッダーを設定する
// 既存の名前の場合は位置を保ったまま値を置き換える
func (h *Header) Set(name, value string) {
	if _, exists := h.values[name]; !exists {
		h.names = append(h.names, name)
	}
	h.values[name] = value
}

// Get はヘッダーの値を取得する
func (h *Header) Get(name string) (string, bool) {
	value, ok := h.values[name]
	return value, ok
}

// Del はヘッダーを削除する
func (h *Header) Del(name string) {
	if _, exists := h.values[name]; !exists {
		return
	}
	delete(h.values, name)
	for i, n := range h.names {
		if n == name {
			h.names = append(h.names[:i], h.names[i+1:]...)
			break
		}
	}
}

// Names は挿入順のヘッダー名一覧を返す
func (h *Header) Names() []string {
	names := make([]string, len(h.names))
	copy(names, h.names)
	return names
}

// Len はヘッダーの数を返す
func (h *Header) Len() int {
	return len(h.names)
}
