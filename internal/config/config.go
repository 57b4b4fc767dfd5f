// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り、空なら無効）

	// ジョブ実行設定
	Workers            int // ワーカー数（0 = CPU検出による自動設定）
	MaxLabelsPerBatch  int // 1バッチあたりの最大ラベル数（0 = 分割無効）
	MaxLabelsPerJob    int // 1ジョブあたりの最大ラベル数
	MaxFieldsPerLabel  int // 1ラベルあたりの最大フィールド数
	MaxFieldLength     int // フィールド値の最大長
	RetentionHours     int // ジョブ保持時間（時間）
	CleanupIntervalMin int // 定期クリーンアップの実行間隔（分）
	ShutdownTimeoutSec int // シャットダウン時に実行中ジョブを待つ秒数

	// glabelsエンジン設定
	GlabelsPath       string // glabels-3-batch 実行ファイルのパス
	GlabelsTimeoutSec int    // 1バッチあたりのレンダリングタイムアウト（秒）
	KeepTemp          bool   // true = 中間CSV/PDFを残す（デバッグ用）

	// ディレクトリ設定
	TemplatesDir string // .glabels テンプレートの配置ディレクトリ
	OutputDir    string // 生成PDFの出力ディレクトリ
	TempDir      string // 中間ファイル用ディレクトリ

	// リクエスト制限
	MaxRequestBytes    int64 // リクエストボディの最大サイズ（バイト）
	RateLimitPerMinute int   // 投入APIの毎分リクエスト上限（0 = 無効）

	// ログ設定
	LogLevel string // logrus のログレベル (debug, info, warn, error)
}

// Load は環境変数から設定を読み込みます。
// .env ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),

		// ジョブ実行設定
		Workers:            getEnvAsInt("WORKERS", 0),
		MaxLabelsPerBatch:  getEnvAsInt("MAX_LABELS_PER_BATCH", 300),
		MaxLabelsPerJob:    getEnvAsInt("MAX_LABELS_PER_JOB", 2000),
		MaxFieldsPerLabel:  getEnvAsInt("MAX_FIELDS_PER_LABEL", 50),
		MaxFieldLength:     getEnvAsInt("MAX_FIELD_LENGTH", 2048),
		RetentionHours:     getEnvAsInt("RETENTION_HOURS", 24),
		CleanupIntervalMin: getEnvAsInt("CLEANUP_INTERVAL_MINUTES", 60),
		ShutdownTimeoutSec: getEnvAsInt("SHUTDOWN_TIMEOUT", 10),

		// glabelsエンジン設定
		GlabelsPath:       getEnv("GLABELS_PATH", "glabels-3-batch"),
		GlabelsTimeoutSec: getEnvAsInt("GLABELS_TIMEOUT", 600),
		KeepTemp:          getEnvAsBool("KEEP_TEMP", false),

		// ディレクトリ設定
		TemplatesDir: getEnv("TEMPLATES_DIR", "templates"),
		OutputDir:    getEnv("OUTPUT_DIR", "output"),
		TempDir:      getEnv("TEMP_DIR", "temp"),

		// リクエスト制限
		MaxRequestBytes:    getEnvAsInt64("MAX_REQUEST_BYTES", 5_000_000),
		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 60),

		// ログ設定
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("WORKERS must be >= 0 (0 means auto)")
	}
	if c.MaxLabelsPerBatch < 0 {
		return fmt.Errorf("MAX_LABELS_PER_BATCH must be >= 0")
	}
	if c.MaxLabelsPerJob <= 0 {
		return fmt.Errorf("MAX_LABELS_PER_JOB must be > 0")
	}
	if c.GlabelsTimeoutSec <= 0 {
		return fmt.Errorf("GLABELS_TIMEOUT must be > 0")
	}
	if c.RetentionHours <= 0 {
		return fmt.Errorf("RETENTION_HOURS must be > 0")
	}

	// 本番モードでは明示的な設定を要求する
	if c.GinMode == "release" {
		if c.GlabelsPath == "" {
			return fmt.Errorf("GLABELS_PATH is required in release mode")
		}
		if c.TemplatesDir == "" {
			return fmt.Errorf("TEMPLATES_DIR is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
