package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	Remote RemoteConfig
	Limit  LimitConfig
	Log    LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	remote, err := loadRemoteConfig()
	if err != nil {
		return nil, err
	}

	limit, err := loadLimitConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Remote: remote, Limit: limit, Log: logCfg}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string // CORS 白名单，"*" 表示全部放行
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	origins := splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"))

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// RemoteConfig 描述远端聊天后端的地址与凭证。
type RemoteConfig struct {
	Token           string
	ChatURL         string
	SelectModelURL  string
	SelectChoiceURL string
	StreamURL       string // 包含 {uuid} 占位符
	DeviceID        string
	AppID           string
	ClientType      string
	Origin          string
	UserAgent       string
	RequestTimeout  time.Duration
	ChoiceTimeout   time.Duration
}

// StreamPlaceholder 会被替换成会话 ID。
const StreamPlaceholder = "{uuid}"

func loadRemoteConfig() (RemoteConfig, error) {
	requestTimeout, err := parseSecondsEnv("NEKO_REQUEST_TIMEOUT", 10*time.Second)
	if err != nil {
		return RemoteConfig{}, err
	}

	choiceTimeout, err := parseSecondsEnv("NEKO_CHOICE_TIMEOUT", 5*time.Second)
	if err != nil {
		return RemoteConfig{}, err
	}

	cfg := RemoteConfig{
		Token:           strings.TrimSpace(os.Getenv("ANUNEKO_TOKEN")),
		ChatURL:         strings.TrimSpace(os.Getenv("CHAT_API_URL")),
		SelectModelURL:  strings.TrimSpace(os.Getenv("SELECT_MODEL_URL")),
		SelectChoiceURL: strings.TrimSpace(os.Getenv("SELECT_CHOICE_URL")),
		StreamURL:       strings.TrimSpace(os.Getenv("STREAM_API_URL")),
		DeviceID:        getEnvOrDefault("NEKO_DEVICE_ID", uuid.NewString()),
		AppID:           getEnvOrDefault("NEKO_APP_ID", "com.anuttacon.neko"),
		ClientType:      getEnvOrDefault("NEKO_CLIENT_TYPE", "4"),
		Origin:          getEnvOrDefault("NEKO_ORIGIN", "https://anuneko.com"),
		UserAgent:       getEnvOrDefault("NEKO_USER_AGENT", "Mozilla/5.0"),
		RequestTimeout:  requestTimeout,
		ChoiceTimeout:   choiceTimeout,
	}

	if err := cfg.Validate(); err != nil {
		return RemoteConfig{}, err
	}
	return cfg, nil
}

// Validate 检查必填项。
func (c RemoteConfig) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"ANUNEKO_TOKEN", c.Token},
		{"CHAT_API_URL", c.ChatURL},
		{"SELECT_MODEL_URL", c.SelectModelURL},
		{"SELECT_CHOICE_URL", c.SelectChoiceURL},
		{"STREAM_API_URL", c.StreamURL},
	}

	var missing []string
	for _, item := range required {
		if item.value == "" {
			missing = append(missing, item.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment: %s", strings.Join(missing, ", "))
	}

	if !strings.Contains(c.StreamURL, StreamPlaceholder) {
		return fmt.Errorf("STREAM_API_URL must contain %s placeholder", StreamPlaceholder)
	}
	return nil
}

// LimitConfig 描述每个会话的入站限流；RatePerSecond 为 0 表示关闭。
type LimitConfig struct {
	RatePerSecond float64
	Burst         int
}

func loadLimitConfig() (LimitConfig, error) {
	rate, err := parseOptionalFloatEnv("BRIDGE_RATE_LIMIT")
	if err != nil {
		return LimitConfig{}, err
	}

	burst, err := parseOptionalIntEnv("BRIDGE_RATE_BURST")
	if err != nil {
		return LimitConfig{}, err
	}

	cfg := LimitConfig{Burst: 3}
	if rate != nil {
		if *rate < 0 {
			return LimitConfig{}, fmt.Errorf("invalid BRIDGE_RATE_LIMIT value %v: must not be negative", *rate)
		}
		cfg.RatePerSecond = *rate
	}
	if burst != nil {
		if *burst < 1 {
			cfg.Burst = 1
		} else {
			cfg.Burst = *burst
		}
	}
	return cfg, nil
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level   string
	Console bool
}

func loadLogConfig() (LogConfig, error) {
	console, err := parseBoolEnv("LOG_CONSOLE", false)
	if err != nil {
		return LogConfig{}, err
	}
	return LogConfig{
		Level:   getEnvOrDefault("LOG_LEVEL", "info"),
		Console: console,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseSecondsEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	seconds, err := parseOptionalFloatEnv(key)
	if err != nil {
		return 0, err
	}
	if seconds == nil {
		return defaultValue, nil
	}
	if *seconds <= 0 {
		return 0, fmt.Errorf("invalid %s value %v: must be positive", key, *seconds)
	}
	return time.Duration(*seconds * float64(time.Second)), nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
