package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
)

// writePIDFile は自プロセスのPIDを書き出す
func writePIDFile(path string) error {
	content := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("PIDファイルの書き込みに失敗: %w", err)
	}
	return nil
}

// removePIDFile はPIDファイルを削除する
// 既に無い場合は何もしない
func removePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("PIDファイルの削除に失敗: %w", err)
	}
	return nil
}
