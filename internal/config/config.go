package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Desk     DeskConfig
	Realtime RealtimeConfig
	Snapshot SnapshotConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	desk, err := loadDeskConfig()
	if err != nil {
		return nil, err
	}

	realtime, err := loadRealtimeConfig()
	if err != nil {
		return nil, err
	}

	snapshot, err := loadSnapshotConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Desk: desk, Realtime: realtime, Snapshot: snapshot}, nil
}

// ServerConfig 描述 HTTP 服务配置。
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

// DeskConfig 描述客服后端 API 及登录凭证。
type DeskConfig struct {
	BaseURL        string
	BusinessID     string
	Email          string
	Password       string
	RequestTimeout time.Duration
	RefreshTimeout time.Duration
	PageSize       int
}

// HasCredentials 表示是否配置了自动登录所需的账号。
func (c DeskConfig) HasCredentials() bool {
	return c.Email != "" && c.Password != ""
}

func loadDeskConfig() (DeskConfig, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(os.Getenv("DESK_API_BASE_URL")), "/")
	if baseURL == "" {
		return DeskConfig{}, fmt.Errorf("DESK_API_BASE_URL is required")
	}
	if err := validateURL("DESK_API_BASE_URL", baseURL, "http", "https"); err != nil {
		return DeskConfig{}, err
	}

	requestTimeout, err := parseSecondsEnv("DESK_REQUEST_TIMEOUT", 30)
	if err != nil {
		return DeskConfig{}, err
	}
	refreshTimeout, err := parseSecondsEnv("DESK_REFRESH_TIMEOUT", 10)
	if err != nil {
		return DeskConfig{}, err
	}

	pageSize := 20
	if override, err := parseOptionalIntEnv("DESK_PAGE_SIZE"); err != nil {
		return DeskConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return DeskConfig{}, fmt.Errorf("invalid DESK_PAGE_SIZE value %d: must be positive", *override)
		}
		pageSize = *override
	}

	return DeskConfig{
		BaseURL:        baseURL,
		BusinessID:     strings.TrimSpace(os.Getenv("DESK_BUSINESS_ID")),
		Email:          strings.TrimSpace(os.Getenv("DESK_EMAIL")),
		Password:       os.Getenv("DESK_PASSWORD"),
		RequestTimeout: requestTimeout,
		RefreshTimeout: refreshTimeout,
		PageSize:       pageSize,
	}, nil
}

// RealtimeConfig 描述实时推送通道配置。
type RealtimeConfig struct {
	URL           string
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	JitterPercent int
	PingInterval  time.Duration
	ReadTimeout   time.Duration
	Enabled       bool
}

func loadRealtimeConfig() (RealtimeConfig, error) {
	rawURL := strings.TrimSpace(os.Getenv("REALTIME_URL"))
	if rawURL != "" {
		if err := validateURL("REALTIME_URL", rawURL, "ws", "wss"); err != nil {
			return RealtimeConfig{}, err
		}
	}

	baseMS := 500
	if override, err := parseOptionalIntEnv("REALTIME_BACKOFF_BASE_MS"); err != nil {
		return RealtimeConfig{}, err
	} else if override != nil && *override > 0 {
		baseMS = *override
	}

	backoffCap, err := parseSecondsEnv("REALTIME_BACKOFF_CAP_SECONDS", 30)
	if err != nil {
		return RealtimeConfig{}, err
	}

	jitter := 25
	if override, err := parseOptionalIntEnv("REALTIME_JITTER_PERCENT"); err != nil {
		return RealtimeConfig{}, err
	} else if override != nil {
		if *override < 0 || *override > 100 {
			return RealtimeConfig{}, fmt.Errorf("invalid REALTIME_JITTER_PERCENT value %d: must be within 0-100", *override)
		}
		jitter = *override
	}

	ping, err := parseDurationEnv("REALTIME_PING_INTERVAL", 30*time.Second)
	if err != nil {
		return RealtimeConfig{}, err
	}
	readTimeout, err := parseDurationEnv("REALTIME_READ_TIMEOUT", 60*time.Second)
	if err != nil {
		return RealtimeConfig{}, err
	}
	if readTimeout <= ping {
		return RealtimeConfig{}, fmt.Errorf("REALTIME_READ_TIMEOUT (%s) must exceed REALTIME_PING_INTERVAL (%s)", readTimeout, ping)
	}

	return RealtimeConfig{
		URL:           rawURL,
		BackoffBase:   time.Duration(baseMS) * time.Millisecond,
		BackoffCap:    backoffCap,
		JitterPercent: jitter,
		PingInterval:  ping,
		ReadTimeout:   readTimeout,
		Enabled:       rawURL != "",
	}, nil
}

// SnapshotConfig 描述会话列表快照的存储方式。
type SnapshotConfig struct {
	Driver   string
	RedisURL string
	TTL      time.Duration
}

func loadSnapshotConfig() (SnapshotConfig, error) {
	driver := strings.ToLower(getEnvOrDefault("SNAPSHOT_DRIVER", "memory"))
	redisURL := strings.TrimSpace(os.Getenv("REDIS_URL"))

	switch driver {
	case "memory":
	case "redis":
		if redisURL == "" {
			return SnapshotConfig{}, fmt.Errorf("REDIS_URL is required when SNAPSHOT_DRIVER=redis")
		}
	default:
		return SnapshotConfig{}, fmt.Errorf("invalid SNAPSHOT_DRIVER value %q", driver)
	}

	ttlHours := 24
	if override, err := parseOptionalIntEnv("SNAPSHOT_TTL_HOURS"); err != nil {
		return SnapshotConfig{}, err
	} else if override != nil && *override > 0 {
		ttlHours = *override
	}

	return SnapshotConfig{
		Driver:   driver,
		RedisURL: redisURL,
		TTL:      time.Duration(ttlHours) * time.Hour,
	}, nil
}

func validateURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("invalid %s value %q: expected %s URL", key, raw, strings.Join(schemes, "/"))
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
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

// parseSecondsEnv 读取以秒为单位的整数。
func parseSecondsEnv(key string, defaultSeconds int) (time.Duration, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil || *val <= 0 {
		return time.Duration(defaultSeconds) * time.Second, nil
	}
	return time.Duration(*val) * time.Second, nil
}

// parseDurationEnv accepts Go durations ("45s") or bare seconds ("45").
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid %s value %q: must be positive", key, value)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, value)
	}
	return d, nil
}
