package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string
	ServiceName string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisHost     string
	RedisPort     string
	RedisPassword string

	KafkaEnabled bool
	KafkaBroker  string
	KafkaTopic   string
	KafkaGroupID string

	JaegerEndpoint string
	JWTSecret      string
	CORSOrigins    []string

	DefaultCurrency string
	GatewayTimeout  time.Duration

	Mpesa  MpesaConfig
	Stripe StripeConfig
}

type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	Reference      string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
}

var defaults = map[string]any{
	"PORT":                  "8083",
	"SERVICE_NAME":          "payment-service",
	"DB_HOST":               "localhost",
	"DB_PORT":               "5432",
	"DB_USER":               "postgres",
	"DB_PASSWORD":           "postgres",
	"DB_NAME":               "paymentdb",
	"REDIS_HOST":            "localhost",
	"REDIS_PORT":            "6379",
	"REDIS_PASSWORD":        "",
	"KAFKA_ENABLED":         true,
	"KAFKA_BROKER":          "localhost:9092",
	"KAFKA_TOPIC":           "payment_events",
	"KAFKA_GROUP_ID":        "payment-fulfillment",
	"JAEGER_ENDPOINT":       "http://localhost:14268/api/traces",
	"JWT_SECRET":            "",
	"CORS_ALLOWED_ORIGINS":  "*",
	"DEFAULT_CURRENCY":      "KES",
	"GATEWAY_TIMEOUT":       "15s",
	"MPESA_BASE_URL":        "https://sandbox.safaricom.co.ke",
	"MPESA_CONSUMER_KEY":    "",
	"MPESA_CONSUMER_SECRET": "",
	"MPESA_SHORTCODE":       "",
	"MPESA_PASSKEY":         "",
	"MPESA_CALLBACK_URL":    "",
	"MPESA_REFERENCE":       "KENFUSE",
	"STRIPE_SECRET_KEY":     "",
	"STRIPE_WEBHOOK_SECRET": "",
	"STRIPE_BASE_URL":       "",
}

// Load reads .env (if present), an optional CONFIG_FILE and the process
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	timeout, err := time.ParseDuration(v.GetString("GATEWAY_TIMEOUT"))
	if err != nil {
		return nil, fmt.Errorf("invalid GATEWAY_TIMEOUT: %w", err)
	}

	cfg := &Config{
		Port:            v.GetString("PORT"),
		ServiceName:     v.GetString("SERVICE_NAME"),
		DBHost:          v.GetString("DB_HOST"),
		DBPort:          v.GetString("DB_PORT"),
		DBUser:          v.GetString("DB_USER"),
		DBPassword:      v.GetString("DB_PASSWORD"),
		DBName:          v.GetString("DB_NAME"),
		RedisHost:       v.GetString("REDIS_HOST"),
		RedisPort:       v.GetString("REDIS_PORT"),
		RedisPassword:   v.GetString("REDIS_PASSWORD"),
		KafkaEnabled:    v.GetBool("KAFKA_ENABLED"),
		KafkaBroker:     v.GetString("KAFKA_BROKER"),
		KafkaTopic:      v.GetString("KAFKA_TOPIC"),
		KafkaGroupID:    v.GetString("KAFKA_GROUP_ID"),
		JaegerEndpoint:  v.GetString("JAEGER_ENDPOINT"),
		JWTSecret:       v.GetString("JWT_SECRET"),
		CORSOrigins:     splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		DefaultCurrency: strings.ToUpper(v.GetString("DEFAULT_CURRENCY")),
		GatewayTimeout:  timeout,
		Mpesa: MpesaConfig{
			BaseURL:        strings.TrimRight(v.GetString("MPESA_BASE_URL"), "/"),
			ConsumerKey:    v.GetString("MPESA_CONSUMER_KEY"),
			ConsumerSecret: v.GetString("MPESA_CONSUMER_SECRET"),
			ShortCode:      v.GetString("MPESA_SHORTCODE"),
			Passkey:        v.GetString("MPESA_PASSKEY"),
			CallbackURL:    v.GetString("MPESA_CALLBACK_URL"),
			Reference:      v.GetString("MPESA_REFERENCE"),
		},
		Stripe: StripeConfig{
			SecretKey:     v.GetString("STRIPE_SECRET_KEY"),
			WebhookSecret: v.GetString("STRIPE_WEBHOOK_SECRET"),
			BaseURL:       v.GetString("STRIPE_BASE_URL"),
		},
	}

	return cfg, nil
}

// Validate checks the settings the HTTP server cannot run without.
func (c *Config) Validate() error {
	var missing []string
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.Mpesa.ConsumerKey == "" || c.Mpesa.ConsumerSecret == "" {
		missing = append(missing, "MPESA_CONSUMER_KEY/MPESA_CONSUMER_SECRET")
	}
	if c.Mpesa.ShortCode == "" || c.Mpesa.Passkey == "" {
		missing = append(missing, "MPESA_SHORTCODE/MPESA_PASSKEY")
	}
	if c.Mpesa.CallbackURL == "" {
		missing = append(missing, "MPESA_CALLBACK_URL")
	}
	if c.Stripe.SecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
