package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		ListenAddr string
	}
	Database struct {
		Path string
	}
	Encryption struct {
		Key string // 32-byte key, hex encoded
	}
	SSH struct {
		MaxSessions    int
		ConnectTimeout time.Duration
		CommandTimeout time.Duration
		IdleTimeout    time.Duration
		ReaperInterval time.Duration
	}
	Docker struct {
		Timeout time.Duration
	}
	Monitoring struct {
		DefaultInterval time.Duration
		MinInterval     time.Duration
		MaxInterval     time.Duration
		SweepInterval   time.Duration
		RetentionDays   int
		HistorySize     int
	}
	Alert struct {
		Channels []string
		Email    struct {
			SMTPHost    string
			SMTPPort    int
			From        string
			Password    string
			ToReceivers []string
		}
		Slack struct {
			WebhookURL string
		}
		Webhook struct {
			URL string
		}
	}
}

// Load reads config.yaml from the given path, falling back to defaults for
// anything unset. An empty path searches the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listenaddr", ":8080")
	v.SetDefault("database.path", "data/servereye.db")
	v.SetDefault("ssh.maxsessions", 50)
	v.SetDefault("ssh.connecttimeout", 30*time.Second)
	v.SetDefault("ssh.commandtimeout", 30*time.Second)
	v.SetDefault("ssh.idletimeout", 5*time.Minute)
	v.SetDefault("ssh.reaperinterval", time.Minute)
	v.SetDefault("docker.timeout", 30*time.Second)
	v.SetDefault("monitoring.defaultinterval", 30*time.Second)
	v.SetDefault("monitoring.mininterval", 5*time.Second)
	v.SetDefault("monitoring.maxinterval", 300*time.Second)
	v.SetDefault("monitoring.sweepinterval", time.Minute)
	v.SetDefault("monitoring.retentiondays", 30)
	v.SetDefault("monitoring.historysize", 120)
	v.SetDefault("alert.channels", []string{"email", "slack", "webhook"})
	v.SetDefault("alert.email.smtpport", 587)
}
