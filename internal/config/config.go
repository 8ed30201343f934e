package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合客户端与开发服务端的配置项。
type Config struct {
	Server  ServerConfig
	Client  ClientConfig
	AI      AIConfig
	Logging LoggingConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	client, err := loadClientConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Client: client, AI: ai, Logging: loadLoggingConfig()}, nil
}

// ServerConfig 描述开发服务端的 HTTP 配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// ClientConfig 描述聊天客户端连接后端所需的配置。
type ClientConfig struct {
	APIBaseURL               string
	WSBaseURL                string
	Token                    string
	UserID                   int64
	PageSize                 int
	ParticipantRetryInterval time.Duration
	ParticipantRetryAttempts int
	HandshakeTimeout         time.Duration
	ReconnectBase            time.Duration
	ReconnectMax             time.Duration
}

// HasCredentials 表示是否具备建立 WebSocket 通道的凭证。
func (c ClientConfig) HasCredentials() bool {
	return c.Token != "" && c.UserID != 0
}

var apiVersionSuffix = regexp.MustCompile(`/api/v\d+/?$`)

// DeriveWSBaseURL turns the REST base URL into the socket origin: http→ws and the
// trailing /api/vN segment dropped.
func DeriveWSBaseURL(apiBaseURL string) string {
	base := strings.TrimSpace(apiBaseURL)
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return apiVersionSuffix.ReplaceAllString(base, "")
}

func loadClientConfig() (ClientConfig, error) {
	apiBase := strings.TrimRight(getEnvOrDefault("CHAT_API_BASE_URL", "http://localhost:8080/api/v1"), "/")

	userID, err := parseOptionalInt64Env("CHAT_USER_ID")
	if err != nil {
		return ClientConfig{}, err
	}

	pageSize, err := parseIntEnv("CHAT_PAGE_SIZE", 20)
	if err != nil {
		return ClientConfig{}, err
	}
	if pageSize < 1 {
		return ClientConfig{}, fmt.Errorf("invalid CHAT_PAGE_SIZE value %d: must be positive", pageSize)
	}

	retryInterval, err := parseDurationEnv("CHAT_PARTICIPANT_RETRY_INTERVAL", time.Second)
	if err != nil {
		return ClientConfig{}, err
	}
	retryAttempts, err := parseIntEnv("CHAT_PARTICIPANT_RETRY_ATTEMPTS", 5)
	if err != nil {
		return ClientConfig{}, err
	}
	handshake, err := parseDurationEnv("CHAT_HANDSHAKE_TIMEOUT", 10*time.Second)
	if err != nil {
		return ClientConfig{}, err
	}
	reconnectBase, err := parseDurationEnv("CHAT_RECONNECT_BASE", time.Second)
	if err != nil {
		return ClientConfig{}, err
	}
	reconnectMax, err := parseDurationEnv("CHAT_RECONNECT_MAX", 10*time.Second)
	if err != nil {
		return ClientConfig{}, err
	}

	cfg := ClientConfig{
		APIBaseURL:               apiBase,
		WSBaseURL:                getEnvOrDefault("CHAT_WS_BASE_URL", DeriveWSBaseURL(apiBase)),
		Token:                    strings.TrimSpace(os.Getenv("CHAT_TOKEN")),
		PageSize:                 pageSize,
		ParticipantRetryInterval: retryInterval,
		ParticipantRetryAttempts: retryAttempts,
		HandshakeTimeout:         handshake,
		ReconnectBase:            reconnectBase,
		ReconnectMax:             reconnectMax,
	}
	if userID != nil {
		cfg.UserID = *userID
	}
	return cfg, nil
}

// LoggingConfig 描述日志级别与输出格式。
type LoggingConfig struct {
	Level  string
	Format string
}

func loadLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "console"),
	}
}

// AIConfig 描述开发服务端大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: set ARK_API_KEY + Model or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
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

func parseOptionalInt64Env(key string) (*int64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
