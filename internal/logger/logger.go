// Package logger はサーバーのログ出力を担う
//
// プロセス全体で共有するシングルトンではなく、サーバーごとに生成して渡す。
// Open で出力先を開き、Close でフラッシュして閉じる。
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// ANSIカラーコード
const (
	colorNone  = ""
	colorGreen = "0;32"
	colorRed   = "0;31"
	colorGray  = "1;30"
)

const timeFormat = "2006-01-02 15:04:05"

// Logger は "[日時]: メッセージ" 形式で1行ずつ出力するロガー
type Logger struct {
	out      io.Writer // 標準出力など
	filePath string    // 追記するログファイル (空なら無し)

	mu     sync.Mutex
	file   *os.File
	logger *log.Logger
	color  bool
	now    func() time.Time
}

// New は新しいLoggerを作成する
// out が端末の場合のみ色付きで出力する
func New(out io.Writer, filePath string) *Logger {
	if out == nil {
		out = os.Stdout
	}
	return &Logger{
		out:      out,
		filePath: filePath,
		color:    isTerminal(out),
		now:      time.Now,
	}
}

// Open は出力先を開く
func (l *Logger) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logger != nil {
		return nil
	}

	writer := l.out
	if l.filePath != "" {
		file, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("ログファイルのオープンに失敗: %w", err)
		}
		l.file = file
		// ファイルには色を付けないため、色付きの場合は別々に書き込む
		if !l.color {
			writer = io.MultiWriter(l.out, file)
		}
	}

	l.logger = log.New(writer, "", 0)
	return nil
}

// Close はログファイルをフラッシュして閉じる
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.logger = nil
	if l.file == nil {
		return nil
	}

	file := l.file
	l.file = nil
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("ログファイルのフラッシュに失敗: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("ログファイルのクローズに失敗: %w", err)
	}
	return nil
}

// Log はメッセージを1行出力する
func (l *Logger) Log(message string) {
	l.write(colorNone, message)
}

// Logf は書式付きでメッセージを出力する
func (l *Logger) Logf(format string, v ...interface{}) {
	l.write(colorNone, fmt.Sprintf(format, v...))
}

// Infof は起動・停止などの状態変化を緑色で出力する
func (l *Logger) Infof(format string, v ...interface{}) {
	l.write(colorGreen, fmt.Sprintf(format, v...))
}

// Errorf はエラーを赤色で出力する
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.write(colorRed, fmt.Sprintf(format, v...))
}

// Debugf は補足情報を灰色で出力する
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.write(colorGray, fmt.Sprintf(format, v...))
}

func (l *Logger) write(color, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := fmt.Sprintf("[%s]: %s", l.now().Format(timeFormat), message)

	// Open 前または Close 後は標準ライブラリのロガーに流す
	if l.logger == nil {
		log.Print(line)
		return
	}

	if l.color && color != colorNone {
		l.logger.Printf("\033[%sm%s\033[0m", color, line)
	} else {
		l.logger.Print(line)
	}

	if l.color && l.file != nil {
		fmt.Fprintln(l.file, line)
	}
}

// isTerminal は出力先が端末かどうかを判定する
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
