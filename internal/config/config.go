package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
		// AllowedOrigins may call the JSON API with credentials.
		AllowedOrigins []string
		// TrustedProxies may set X-Forwarded-For. Empty trusts none, so
		// the client address is the socket peer.
		TrustedProxies []string
	}
	Database struct {
		// Driver is "sqlite" or "postgres".
		Driver string
		Path   string
		DSN    string
	}
	Store struct {
		TimeoutSeconds int
	}
	Session struct {
		// Store is "sqlite", "memory" or "redis".
		Store        string
		CookieName   string
		TTLMinutes   int
		SecureCookie bool

		// PurgeIntervalMinutes paces removal of expired sessions from
		// stores without native expiry.
		PurgeIntervalMinutes int
	}
	Redis struct {
		URL string
	}
	Auth struct {
		HandoffURL        string
		HandoffSecret     string
		HandoffAudience   string
		HandoffTTLSeconds int
		HashCost          int
	}
	RateLimit struct {
		RPS   float64
		Burst int
	}
	Log struct {
		Level string
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("MUSEUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	return decode(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("server.allowedorigins", []string{"http://localhost:5000"})
	v.SetDefault("server.trustedproxies", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/museum.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("store.timeoutseconds", 5)
	v.SetDefault("session.store", "sqlite")
	v.SetDefault("session.cookiename", "museum_session")
	v.SetDefault("session.ttlminutes", 30)
	v.SetDefault("session.securecookie", false)
	v.SetDefault("session.purgeintervalminutes", 10)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("auth.handoffurl", "http://localhost:5000/auth/callback")
	v.SetDefault("auth.handoffsecret", "")
	v.SetDefault("auth.handoffaudience", "museum-catalog")
	v.SetDefault("auth.handoffttlseconds", 60)
	v.SetDefault("auth.hashcost", 0)
	v.SetDefault("ratelimit.rps", 1.0)
	v.SetDefault("ratelimit.burst", 5)
	v.SetDefault("log.level", "info")
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	switch c.Session.Store {
	case "memory", "redis":
	case "sqlite":
		if c.Database.Driver != "sqlite" {
			return fmt.Errorf("sqlite session store requires the sqlite database driver")
		}
	default:
		return fmt.Errorf("unsupported session store %q", c.Session.Store)
	}

	if c.Session.TTLMinutes <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}
	return nil
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
