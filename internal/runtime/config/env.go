package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "STREAMBRIDGE_"

// FromEnv overlays STREAMBRIDGE_* environment variables onto cfg. Unset or
// empty variables leave the field alone; malformed values are reported
// together.
func FromEnv(cfg *Config) error {
	var errs []error

	if v := getenv("TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := getenv("RABBITMQ_URL"); v != "" {
		cfg.RabbitMQURL = v
	}
	if v := getenv("NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = nil
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, p)
			}
		}
	}
	if v := getenv("KAFKA_CLIENT_ID"); v != "" {
		cfg.KafkaClientID = v
	}
	if v := getenv("SQLITE_FILE"); v != "" {
		cfg.SQLiteFile = v
	}
	if v := getenv("POSTGRES_URL"); v != "" {
		cfg.PostgresURL = v
	}
	if v := getenv("IO_FILE"); v != "" {
		cfg.IOFile = v
	}
	if v := getenv("PEBBLE_DIR"); v != "" {
		cfg.PebbleDir = v
	}

	errs = append(errs, envInt("PREFETCH", &cfg.Prefetch))
	errs = append(errs, envInt("QUEUE_CAPACITY", &cfg.QueueCapacity))
	errs = append(errs, envInt("PUBLISH_MAX_ATTEMPTS", &cfg.PublishMaxAttempts))
	errs = append(errs, envDuration("RETRY_INITIAL_INTERVAL", &cfg.RetryInitialInterval))
	errs = append(errs, envDuration("RETRY_MAX_INTERVAL", &cfg.RetryMaxInterval))
	errs = append(errs, envInt("METRICS_PORT", &cfg.MetricsPort))

	if v := getenv("METRICS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMETRICS_ENABLED: %w", EnvPrefix, err))
		} else {
			cfg.MetricsEnabled = b
		}
	}

	return errors.Join(errs...)
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + key))
}

func envInt(key string, dst *int) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = d
	return nil
}
