package main

import (
	"context"
	"log"
	"os"

	"minihttpd/internal/config"
	"minihttpd/internal/logger"
	"minihttpd/internal/server"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// サーバーを作成
	srv := server.New(cfg, server.WithLogger(logger.New(os.Stdout, cfg.Log.File)))

	// サーバーを起動
	if err := srv.Start(context.Background()); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
