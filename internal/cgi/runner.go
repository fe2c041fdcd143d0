// Package cgi はCGIスクリプトを外部インタプリタのサブプロセスとして実行する
package cgi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// DefaultTimeout はCGIプロセスの実行時間の上限
const DefaultTimeout = 10 * time.Second

// Invocation は1回のCGI実行に必要な情報
type Invocation struct {
	Script string   // 実行するスクリプトの絶対パス
	Env    []string // "KEY=VALUE" 形式の環境変数
	Stdin  []byte   // リクエストボディ
}

// Runner はCGIスクリプトを実行して標準出力を返す
type Runner interface {
	Run(ctx context.Context, inv Invocation) ([]byte, error)
}

// Error はCGIの実行失敗を表す
type Error struct {
	Script  string
	Timeout bool   // 時間切れで強制終了された
	Stderr  string // 標準エラー出力 (診断用)
	Err     error
}

func (e *Error) Error() string {
	if e.Timeout {
		return fmt.Sprintf("CGI %s がタイムアウトしました: %v", e.Script, e.Err)
	}
	if e.Stderr != "" {
		return fmt.Sprintf("CGI %s の実行に失敗: %v (stderr: %s)", e.Script, e.Err, e.Stderr)
	}
	return fmt.Sprintf("CGI %s の実行に失敗: %v", e.Script, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExecRunner はインタプリタを起動してスクリプトを実行する
type ExecRunner struct {
	Interpreter string        // 例: php-cgi
	Timeout     time.Duration // 0 以下の場合は DefaultTimeout
}

// NewExecRunner は新しいExecRunnerを作成する
func NewExecRunner(interpreter string, timeout time.Duration) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ExecRunner{
		Interpreter: interpreter,
		Timeout:     timeout,
	}
}

// Run はスクリプトを実行し、標準出力を返す
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) ([]byte, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.Interpreter, inv.Script)
	cmd.Dir = filepath.Dir(inv.Script)
	cmd.Env = append(os.Environ(), inv.Env...)
	cmd.Stdin = bytes.NewReader(inv.Stdin)
	// 孫プロセスがパイプを握ったままでも待ち続けない
	cmd.WaitDelay = time.Second

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &Error{
			Script:  inv.Script,
			Timeout: errors.Is(runCtx.Err(), context.DeadlineExceeded),
			Stderr:  stderr.String(),
			Err:     err,
		}
	}

	return stdout.Bytes(), nil
}
