package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"crmpulse/models"
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type AmoCRMConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`
	RedirectURI  string `json:"redirect_uri"`
	// Subdomain is the account the OAuth start endpoint sends users to when
	// the request does not name one.
	Subdomain string `json:"subdomain"`
}

type PixelConfig struct {
	GraphURL      string `json:"graph_url"`
	Version       string `json:"version"`
	PixelID       string `json:"pixel_id"`
	AccessToken   string `json:"-"`
	TestEventCode string `json:"test_event_code"`
}

type SyncConfig struct {
	Interval          time.Duration `json:"interval"`
	RequestsPerSecond int           `json:"requests_per_second"`
	QueueDepth        int           `json:"queue_depth"`
	HTTPTimeout       time.Duration `json:"http_timeout"`
	RefreshLookahead  time.Duration `json:"refresh_lookahead"`
	Concurrency       int           `json:"concurrency"`
	BatchSize         int           `json:"batch_size"`
}

type Config struct {
	Environment    string   `json:"environment"`
	ServerPort     string   `json:"server_port"`
	AllowedOrigins []string `json:"allowed_origins"`
	FrontendURL    string   `json:"frontend_url"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	JWTSecret     string `json:"-"`
	EncryptionKey string `json:"-"`
	WebhookSecret string `json:"-"`
	SentryDSN     string `json:"-"`

	Redis  RedisConfig  `json:"redis"`
	AmoCRM AmoCRMConfig `json:"amocrm"`
	Pixel  PixelConfig  `json:"pixel"`
	Sync   SyncConfig   `json:"sync"`

	HubSpotBaseURL      string `json:"hubspot_base_url"`
	RateLimitAPIPerMin  int    `json:"rate_limit_api_per_min"`
	ImportMaxUploadSize int    `json:"import_max_upload_size"`
}

// LoadConfig reads the process environment, after an optional .env file.
func LoadConfig() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		FrontendURL:    strings.TrimRight(getEnv("FRONTEND_URL", "http://localhost:3000"), "/"),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "crmpulse"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 50),

		JWTSecret:     getEnv("JWT_SECRET", ""),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
		SentryDSN:     getEnv("SENTRY_DSN", ""),

		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		AmoCRM: AmoCRMConfig{
			ClientID:     getEnv("AMOCRM_CLIENT_ID", ""),
			ClientSecret: getEnv("AMOCRM_CLIENT_SECRET", ""),
			RedirectURI:  getEnv("AMOCRM_REDIRECT_URI", ""),
			Subdomain:    getEnv("AMOCRM_SUBDOMAIN", ""),
		},
		Pixel: PixelConfig{
			GraphURL:      getEnv("PIXEL_GRAPH_URL", "https://graph.facebook.com"),
			Version:       getEnv("PIXEL_API_VERSION", "v18.0"),
			PixelID:       getEnv("PIXEL_ID", ""),
			AccessToken:   getEnv("PIXEL_ACCESS_TOKEN", ""),
			TestEventCode: getEnv("PIXEL_TEST_EVENT_CODE", ""),
		},
		Sync: SyncConfig{
			Interval:          getEnvAsDuration("SYNC_INTERVAL", time.Hour),
			RequestsPerSecond: getEnvAsInt("SYNC_REQUESTS_PER_SECOND", 0),
			QueueDepth:        getEnvAsInt("SYNC_QUEUE_DEPTH", 1024),
			HTTPTimeout:       getEnvAsDuration("SYNC_HTTP_TIMEOUT", 30*time.Second),
			RefreshLookahead:  getEnvAsDuration("SYNC_REFRESH_LOOKAHEAD", 5*time.Minute),
			Concurrency:       getEnvAsInt("SYNC_CONCURRENCY", 4),
			BatchSize:         getEnvAsInt("SYNC_BATCH_SIZE", 100),
		},

		HubSpotBaseURL:      getEnv("HUBSPOT_BASE_URL", ""),
		RateLimitAPIPerMin:  getEnvAsInt("RATE_LIMIT_API_PER_MIN", 120),
		ImportMaxUploadSize: getEnvAsInt("IMPORT_MAX_UPLOAD_SIZE", 20<<20),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.log()
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Environment == "production" && (c.AmoCRM.ClientID == "" || c.AmoCRM.ClientSecret == "") {
		return fmt.Errorf("amoCRM OAuth credentials are required in production")
	}
	return nil
}

// DSN is the postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// ConnectDB opens the postgres pool and migrates the schema.
func ConnectDB(cfg *Config) (*gorm.DB, error) {
	dsn := cfg.DSN()
	logrus.WithField("dsn", maskPassword(dsn)).Info("connecting to database")

	gormCfg := &gorm.Config{}
	if cfg.Environment == "production" {
		gormCfg.Logger = logger.Default.LogMode(logger.Warn)
	}
	db, err := gorm.Open(postgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get DB instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if err := models.Migrate(db); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("database ready")
	return db, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(getEnv(key, "")))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvAsBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(getEnv(key, "")))
	if err != nil {
		return fallback
	}
	return v
}

// getEnvAsDuration accepts Go durations ("90s") and bare seconds ("90").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func (c *Config) log() {
	logrus.WithFields(logrus.Fields{
		"environment":   c.Environment,
		"port":          c.ServerPort,
		"database":      fmt.Sprintf("%s@%s:%s/%s", c.DBUser, c.DBHost, c.DBPort, c.DBName),
		"redis":         c.Redis.Enabled,
		"amocrm":        c.AmoCRM.ClientID != "",
		"pixel":         c.Pixel.PixelID != "",
		"sync_interval": c.Sync.Interval.String(),
	}).Info("configuration loaded")
}
