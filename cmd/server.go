// Package main はminihttpdサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"minihttpd/internal/config"
	"minihttpd/internal/logger"
	"minihttpd/internal/server"
)

func main() {
	// コマンドラインオプション
	var (
		address    = flag.String("a", "", "バインドするアドレス (デフォルト: 0.0.0.0)")
		port       = flag.Int("p", -1, "待ち受けポート (デフォルト: 10080, 0 はランダム)")
		webRoot    = flag.String("w", "", "公開ディレクトリ (デフォルト: カレントディレクトリ)")
		pidFile    = flag.String("P", "", "PIDファイルのパス")
		configFile = flag.String("c", "", "設定ファイル (YAML)")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("minihttpd")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *address != "" {
		cfg.Server.Address = *address
	}
	if *port >= 0 {
		cfg.Server.Port = *port
	}
	if *webRoot != "" {
		cfg.Server.WebRoot = *webRoot
	}
	if *pidFile != "" {
		cfg.Server.PIDFile = *pidFile
	}

	if err := cfg.Normalize(); err != nil {
		log.Fatalf("設定の正規化に失敗しました: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("設定が不正です: %v", err)
	}

	srv := server.New(cfg, server.WithLogger(logger.New(os.Stdout, cfg.Log.File)))

	// サーバーを起動
	log.Printf("minihttpd を起動します: %s", cfg.ServerAddress())
	if err := srv.Start(context.Background()); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}

// loadConfig は検証前の設定を読み込む
// 検証はコマンドラインオプションで上書きした後に行う
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.ReadFile(path)
	}
	return config.Defaults(), nil
}
