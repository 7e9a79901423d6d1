package config

import (
	"errors"
	"strings"
	"time"

	"yilaitu-client/internal/logger"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	API struct {
		BaseURL        string `mapstructure:"base_url"`
		WSURL          string `mapstructure:"ws_url"`
		TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	} `mapstructure:"api"`
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Storage struct {
		LocalDir string `mapstructure:"local_dir"`
		OSS      struct {
			Enabled         bool   `mapstructure:"enabled"`
			Endpoint        string `mapstructure:"endpoint"`
			AccessKeyID     string `mapstructure:"access_key_id"`
			AccessKeySecret string `mapstructure:"access_key_secret"`
			BucketName      string `mapstructure:"bucket_name"`
			Domain          string `mapstructure:"domain"`
		} `mapstructure:"oss"`
	} `mapstructure:"storage"`
	Upload struct {
		MaxEdge     int `mapstructure:"max_edge"`
		JPEGQuality int `mapstructure:"jpeg_quality"`
	} `mapstructure:"upload"`
	Feed struct {
		PageSize   int `mapstructure:"page_size"`
		DebounceMs int `mapstructure:"debounce_ms"`
	} `mapstructure:"feed"`
	Payment struct {
		PollIntervalMs int `mapstructure:"poll_interval_ms"`
		MaxPollCount   int `mapstructure:"max_poll_count"`
		SuccessDelayMs int `mapstructure:"success_delay_ms"`
	} `mapstructure:"payment"`
	Tracker struct {
		PollIntervalMs int `mapstructure:"poll_interval_ms"`
	} `mapstructure:"tracker"`
	Catalog struct {
		RemoteURL           string `mapstructure:"remote_url"`
		FetchTimeoutSeconds int    `mapstructure:"fetch_timeout_seconds"`
	} `mapstructure:"catalog"`
	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`
	Download struct {
		Workers   int `mapstructure:"workers"`
		QueueSize int `mapstructure:"queue_size"`
	} `mapstructure:"download"`
}

var GlobalConfig Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("api.base_url", "https://api.yilaitu.com")
	v.SetDefault("api.ws_url", "wss://api.yilaitu.com/ws")
	v.SetDefault("api.timeout_seconds", 30)
	v.SetDefault("database.path", "yilaitu.db")
	v.SetDefault("storage.local_dir", "storage")
	v.SetDefault("storage.oss.enabled", false)
	v.SetDefault("upload.max_edge", 2048)
	v.SetDefault("upload.jpeg_quality", 90)
	v.SetDefault("feed.page_size", 20)
	v.SetDefault("feed.debounce_ms", 100)
	v.SetDefault("payment.poll_interval_ms", 3000)
	v.SetDefault("payment.max_poll_count", 20)
	v.SetDefault("payment.success_delay_ms", 1500)
	v.SetDefault("tracker.poll_interval_ms", 3000)
	v.SetDefault("catalog.remote_url", "")
	v.SetDefault("catalog.fetch_timeout_seconds", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("download.workers", 4)
	v.SetDefault("download.queue_size", 100)
}

// Load 读取配置文件与环境变量，返回一份独立的配置
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	v.AddConfigPath(".")

	setDefaults(v)

	// 支持环境变量，例如 API_BASE_URL 覆盖 api.base_url
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// InitConfig 初始化全局配置
func InitConfig() {
	cfg, err := Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("解析配置失败")
	}
	GlobalConfig = *cfg
}

// Millis 将毫秒配置转换为 time.Duration，非正数时返回 fallback
func Millis(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
