// Package config builds the process-wide configuration once at startup. Every
// component receives what it needs from the Config value; nothing reads the
// environment after Load returns.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	perr "github.com/example/loan-payments-gateway/pkg/errors"
)

const (
	DefaultGatewayURL     = "https://pay.pesapal.com/v3"
	DefaultPaymentPageURL = "https://pay.pesapal.com/v3/payment"
	DefaultGatewayTimeout = 15 * time.Second
)

// Credential is the long-lived gateway key pair.
type Credential struct {
	Key    string
	Secret string
}

type Gateway struct {
	BaseURL        string
	PaymentPageURL string
	Credential     Credential
	Timeout        time.Duration
	// NotificationType is the ipn_notification_type sent on callback registration.
	NotificationType string
}

type Orders struct {
	MerchantRefPrefix   string
	DefaultCountryCode  string
	DefaultBillingEmail string
	DefaultDescription  string
}

type Kafka struct {
	Brokers []string
	Topic   string
	GroupID string
}

type Config struct {
	HTTPAddr string
	Gateway  Gateway
	Orders   Orders

	// CORSOrigins may call the business endpoints from a browser.
	CORSOrigins []string
	// IPNOrigins are trusted as notification senders.
	IPNOrigins []string

	DatabaseURL string
	Migrate     bool

	Kafka Kafka

	WorkerGRPCAddr    string
	WorkerMetricsAddr string
	// SweepInterval is how often the worker credits completions that are
	// still uncredited.
	SweepInterval time.Duration
}

// Load reads the environment, applying defaults for everything optional.
func Load() Config {
	return Config{
		HTTPAddr: getenv("HTTP_ADDR", ":8080"),
		Gateway: Gateway{
			BaseURL:        strings.TrimRight(getenv("PESAPAL_BASE_URL", DefaultGatewayURL), "/"),
			PaymentPageURL: strings.TrimRight(getenv("PESAPAL_PAYMENT_PAGE_URL", DefaultPaymentPageURL), "/"),
			Credential: Credential{
				Key:    os.Getenv("PESAPAL_CONSUMER_KEY"),
				Secret: os.Getenv("PESAPAL_CONSUMER_SECRET"),
			},
			Timeout:          getduration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
			NotificationType: strings.ToUpper(getenv("IPN_NOTIFICATION_TYPE", "POST")),
		},
		Orders: Orders{
			MerchantRefPrefix:   getenv("MERCHANT_REF_PREFIX", "swiftloans"),
			DefaultCountryCode:  getenv("DEFAULT_COUNTRY_CODE", "KE"),
			DefaultBillingEmail: getenv("DEFAULT_BILLING_EMAIL", "customer@example.com"),
			DefaultDescription:  getenv("DEFAULT_ORDER_DESCRIPTION", "Account activation fee"),
		},
		CORSOrigins: getlist("CORS_ALLOWED_ORIGINS", "https://swiftloans.vercel.app"),
		IPNOrigins:  getlist("IPN_ALLOWED_ORIGINS", "https://pay.pesapal.com"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Migrate:     getbool("DB_MIGRATE", false),
		Kafka: Kafka{
			Brokers: getlist("KAFKA_BROKERS", ""),
			Topic:   getenv("KAFKA_IPN_TOPIC", "payments.ipn"),
			GroupID: getenv("KAFKA_GROUP_ID", "ledger-worker"),
		},
		WorkerGRPCAddr:    getenv("WORKER_GRPC_ADDR", ":9105"),
		WorkerMetricsAddr: getenv("WORKER_METRICS_ADDR", ":9106"),
		SweepInterval:     getduration("LEDGER_SWEEP_INTERVAL", 30*time.Second),
	}
}

// Validate reports the first missing required setting as a configuration error.
func (c Config) Validate() error {
	if c.Gateway.Credential.Key == "" || c.Gateway.Credential.Secret == "" {
		return perr.Configuration("missing gateway credentials (PESAPAL_CONSUMER_KEY, PESAPAL_CONSUMER_SECRET)")
	}
	if c.Gateway.BaseURL == "" {
		return perr.Configuration("missing PESAPAL_BASE_URL")
	}
	switch c.Gateway.NotificationType {
	case "POST", "GET":
	default:
		return perr.Configuration("IPN_NOTIFICATION_TYPE must be POST or GET")
	}
	if c.DatabaseURL == "" {
		return perr.Configuration("missing DATABASE_URL")
	}
	return nil
}

/******************** Utils ********************/

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getlist(k, d string) []string {
	raw := getenv(k, d)
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getbool(k string, d bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return d
}

func getduration(k string, d time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			return dur
		}
	}
	return d
}
