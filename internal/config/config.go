package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env            string        `mapstructure:"ENV"`
	Port           string        `mapstructure:"PORT"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	CORSAllowed    string        `mapstructure:"CORS_ALLOWED_ORIGINS"`
	AdminKey       string        `mapstructure:"ADMIN_KEY"`
	JWTSecret      string        `mapstructure:"JWT_SECRET"`

	StoreBackend     string `mapstructure:"STORE_BACKEND"`
	DatabaseURL      string `mapstructure:"DATABASE_URL"`
	FirestoreProject string `mapstructure:"FIRESTORE_PROJECT"`

	AMQPURL      string `mapstructure:"AMQP_URL"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`

	RedisAddr         string        `mapstructure:"REDIS_ADDR"`
	RedisPassword     string        `mapstructure:"REDIS_PASSWORD"`
	SupportRateLimit  int           `mapstructure:"SUPPORT_RATE_LIMIT"`
	SupportRateWindow time.Duration `mapstructure:"SUPPORT_RATE_WINDOW"`

	AIURL    string `mapstructure:"AI_URL"`
	AIAPIKey string `mapstructure:"AI_API_KEY"`
	AIModel  string `mapstructure:"AI_MODEL"`

	GeocoderURL    string `mapstructure:"GEOCODER_URL"`
	GeocodeEnabled bool   `mapstructure:"GEOCODE_ENABLED"`

	NotifyDefaultGrant     string        `mapstructure:"NOTIFY_DEFAULT_GRANT"`
	SubscriptionRetryDelay time.Duration `mapstructure:"SUBSCRIPTION_RETRY_DELAY"`

	// Location messages sent without a device fix carry this coordinate.
	FallbackLat float64 `mapstructure:"FALLBACK_LAT"`
	FallbackLng float64 `mapstructure:"FALLBACK_LNG"`
}

func (c Config) IsDev() bool { return c.Env == "dev" }

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	v.SetDefault("ENV", "dev")
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("ADMIN_KEY", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("STORE_BACKEND", "memory")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("FIRESTORE_PROJECT", "")
	v.SetDefault("AMQP_URL", "")
	v.SetDefault("AMQP_EXCHANGE", "dztow.events")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("SUPPORT_RATE_LIMIT", 10)
	v.SetDefault("SUPPORT_RATE_WINDOW", "1m")
	v.SetDefault("AI_URL", "")
	v.SetDefault("AI_API_KEY", "")
	v.SetDefault("AI_MODEL", "")
	v.SetDefault("GEOCODER_URL", "https://nominatim.openstreetmap.org")
	v.SetDefault("GEOCODE_ENABLED", false)
	v.SetDefault("NOTIFY_DEFAULT_GRANT", "granted")
	v.SetDefault("SUBSCRIPTION_RETRY_DELAY", "500ms")
	v.SetDefault("FALLBACK_LAT", 36.365)
	v.SetDefault("FALLBACK_LNG", 6.6147)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
