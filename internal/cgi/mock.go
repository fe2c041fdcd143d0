package cgi

import (
	"context"
	"sync"
)

// MockRunner はテスト用のRunner実装
// 実行内容を記録し、設定された出力またはエラーを返す
type MockRunner struct {
	Output []byte
	Err    error

	mu    sync.Mutex
	calls []Invocation
}

// NewMockRunner は新しいMockRunnerを作成する
func NewMockRunner(output string) *MockRunner {
	return &MockRunner{Output: []byte(output)}
}

// Run は記録した上で設定済みの結果を返す
func (m *MockRunner) Run(_ context.Context, inv Invocation) ([]byte, error) {
	m.mu.Lock()
	m.calls = append(m.calls, inv)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	return m.Output, nil
}

// Calls は記録された実行内容を返す
func (m *MockRunner) Calls() []Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()

	calls := make([]Invocation, len(m.calls))
	copy(calls, m.calls)
	return calls
}
