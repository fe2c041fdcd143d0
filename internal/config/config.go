package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server ServerConfig `yaml:"server"`
	CGI    CGIConfig    `yaml:"cgi"`
	MIME   MIMEConfig   `yaml:"mime"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Address string `yaml:"address" validate:"required,ipv4|hostname_rfc1123"` // バインドするアドレス
	Port    int    `yaml:"port" validate:"gte=0,lte=65535"`                    // 待ち受けポート (0 はランダム)
	WebRoot string `yaml:"web_root" validate:"required,dir"`                   // 公開ディレクトリの絶対パス
	PIDFile string `yaml:"pid_file"`                                           // PIDファイルのパス (空なら書き出さない)

	Backlog        int `yaml:"backlog" validate:"gte=0"`          // listen のバックログ
	ReadBufferSize int `yaml:"read_buffer_size" validate:"gte=1"` // 1回の受信で読み込む最大バイト数

	// タイムアウト設定
	ReadTimeout   time.Duration `yaml:"read_timeout" validate:"gte=0"`   // 受信タイムアウト
	WriteTimeout  time.Duration `yaml:"write_timeout" validate:"gte=0"`  // 送信タイムアウト
	PollInterval  time.Duration `yaml:"poll_interval" validate:"gt=0"`   // 停止フラグを確認する間隔
	ShutdownGrace time.Duration `yaml:"shutdown_grace" validate:"gte=0"` // 停止時の猶予
}

// CGIConfig はCGI実行の設定
type CGIConfig struct {
	Extension   string        `yaml:"extension" validate:"required,startswith=."` // CGIとして扱う拡張子
	Interpreter string        `yaml:"interpreter" validate:"required"`            // インタプリタのパス
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`                    // 実行時間の上限
}

// MIMEConfig はContent-Type判定の設定
type MIMEConfig struct {
	File  string `yaml:"file" validate:"omitempty,file"` // 拡張子とタイプの対応ファイル (YAML)
	Sniff bool   `yaml:"sniff"`                          // 対応表に無い場合に内容から判定する
}

// LogConfig はログ出力の設定
type LogConfig struct {
	File string `yaml:"file"` // 追記するログファイル (空なら標準出力のみ)
}

var validate = validator.New()

// Load は設定を読み込む
// 環境変数が設定されていない項目はデフォルト値を使う
func Load() (*Config, error) {
	cfg := Defaults()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile はYAMLファイルから設定を読み込む
// ファイルに無い項目は Load と同じデフォルト値になる
func LoadFile(path string) (*Config, error) {
	cfg, err := ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults は環境変数とデフォルト値から検証前の設定を作成する
// コマンドラインで上書きしてから Normalize と Validate を呼ぶ
func Defaults() *Config {
	return defaultConfig()
}

// ReadFile はYAMLファイルを検証せずに読み込む
func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}
	return cfg, nil
}

// defaultConfig はデフォルト設定を作成する
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        getEnvOrDefault("SERVER_ADDRESS", "0.0.0.0"),
			Port:           getEnvAsIntOrDefault("PORT", 10080),
			WebRoot:        getEnvOrDefault("WEB_ROOT", "."),
			PIDFile:        getEnvOrDefault("PID_FILE", ""),
			Backlog:        10,
			ReadBufferSize: 8192,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			PollInterval:   100 * time.Millisecond,
			ShutdownGrace:  100 * time.Millisecond,
		},
		CGI: CGIConfig{
			Extension:   ".php",
			Interpreter: getEnvOrDefault("CGI_INTERPRETER", "php-cgi"),
			Timeout:     10 * time.Second,
		},
		Log: LogConfig{
			File: getEnvOrDefault("LOG_FILE", ""),
		},
	}
}

// finalize は値を正規化してから検証する
func (c *Config) finalize() error {
	if err := c.Normalize(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("設定の検証に失敗: %w", err)
	}
	return nil
}

// Normalize は公開ディレクトリを末尾スラッシュの無い絶対パスにし、拡張子を小文字にそろえる
func (c *Config) Normalize() error {
	if c.Server.WebRoot != "" {
		abs, err := filepath.Abs(c.Server.WebRoot)
		if err != nil {
			return fmt.Errorf("公開ディレクトリの解決に失敗: %w", err)
		}
		c.Server.WebRoot = filepath.Clean(abs)
	}

	ext := strings.ToLower(strings.TrimSpace(c.CGI.Extension))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	c.CGI.Extension = ext
	return nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s (%s=%v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("無効な設定値: %s", strings.Join(msgs, ", "))
		}
		return err
	}

	if !filepath.IsAbs(c.Server.WebRoot) {
		return fmt.Errorf("公開ディレクトリは絶対パスである必要があります: %s", c.Server.WebRoot)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
