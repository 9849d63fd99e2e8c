package config

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/geocode-proxy/pkg/geocode"
)

// DefaultSockAddr is the listen address used when the file sets none.
const DefaultSockAddr = "0.0.0.0:8080"

// Config holds the full application configuration.
type Config struct {
	SockAddr string       `mapstructure:"sock_addr"`
	Finder   FinderConfig `mapstructure:"finder"`
	Client   ClientConfig `mapstructure:"client"`
	Admin    AdminConfig  `mapstructure:"admin"`
	Log      LogConfig    `mapstructure:"log"`
}

// FinderConfig lists the geocoding backends. Each element is a single-key
// object naming the provider, e.g. {"Here": {"app_id": "...", "app_code": "..."}}.
// List order is failover order. Elements that are not objects are ignored.
type FinderConfig struct {
	Protocols []any `mapstructure:"protocols"`
}

// ClientConfig tunes backend attempts. Zero values disable each feature.
type ClientConfig struct {
	StageTimeoutMs          int     `mapstructure:"stage_timeout_ms"`
	RateLimitRPS            float64 `mapstructure:"rate_limit_rps"`
	CircuitFailureThreshold int     `mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int     `mapstructure:"circuit_reset_secs"`
}

// StageTimeout returns the per-stage timeout, zero when disabled.
func (c ClientConfig) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutMs) * time.Millisecond
}

// AdminConfig configures the health/metrics listener. An empty Addr disables it.
type AdminConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the JSON configuration document at path, with GEOCODE_*
// environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, eris.New("config: missing config path")
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetEnvPrefix("GEOCODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("sock_addr", DefaultSockAddr)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("client.stage_timeout_ms", 0)
	v.SetDefault("client.rate_limit_rps", 0)
	v.SetDefault("client.circuit_failure_threshold", 0)
	v.SetDefault("client.circuit_reset_secs", 30)
	v.SetDefault("admin.addr", "")

	if err := v.ReadInConfig(); err != nil {
		return nil, eris.Wrap(err, "config: read file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	// Surface credential errors at load time rather than on first request.
	if _, err := cfg.Finder.Backends(); err != nil {
		return nil, err
	}
	if _, err := cfg.ListenAddr("", ""); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ListenAddr returns the address to bind. Non-empty host or port replace
// the corresponding half of sock_addr.
func (c *Config) ListenAddr(host, port string) (string, error) {
	sockAddr := c.SockAddr
	if sockAddr == "" {
		sockAddr = DefaultSockAddr
	}
	if !strings.Contains(sockAddr, ":") {
		return "", eris.New("config: Invalid address. Missing colon and port.")
	}

	fileHost, filePort, err := net.SplitHostPort(sockAddr)
	if err != nil {
		return "", eris.Wrapf(err, "config: parse sock_addr %q", sockAddr)
	}
	if host == "" {
		host = fileHost
	}
	if port == "" {
		port = filePort
	}

	if _, err := netip.ParseAddr(host); err != nil {
		return "", eris.Wrapf(err, "config: invalid address %q", host)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", eris.Wrapf(err, "config: invalid port %q", port)
	}
	return net.JoinHostPort(host, port), nil
}

// Backends builds the geocoding protocols in configured order. Entries
// naming an unknown provider are skipped.
func (f FinderConfig) Backends() ([]geocode.Protocol, error) {
	out := make([]geocode.Protocol, 0, len(f.Protocols))
	for i, item := range f.Protocols {
		entry, ok := item.(map[string]any)
		if !ok {
			zap.L().Debug("config: ignoring non-object provider entry", zap.Int("index", i))
			continue
		}
		if raw, ok := lookupFold(entry, "Here"); ok {
			fields, err := credentials(i, "Here", raw, "app_id", "app_code")
			if err != nil {
				return nil, err
			}
			out = append(out, geocode.NewHere(fields[0], fields[1]))
			continue
		}
		if raw, ok := lookupFold(entry, "MapQuest"); ok {
			fields, err := credentials(i, "MapQuest", raw, "key")
			if err != nil {
				return nil, err
			}
			out = append(out, geocode.NewMapQuest(fields[0]))
			continue
		}
		zap.L().Debug("config: ignoring unknown provider entry", zap.Int("index", i))
	}
	return out, nil
}

// credentials pulls the named string fields out of a provider object.
func credentials(index int, provider string, raw any, keys ...string) ([]string, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, eris.Errorf("config: finder.protocols[%d].%s must be an object", index, provider)
	}
	out := make([]string, len(keys))
	for i, key := range keys {
		val, ok := lookupFold(obj, key)
		if !ok {
			return nil, eris.Errorf("config: finder.protocols[%d].%s missing %q", index, provider, key)
		}
		s, ok := val.(string)
		if !ok {
			return nil, eris.Errorf("config: finder.protocols[%d].%s.%s must be a string, got %T", index, provider, key, val)
		}
		out[i] = s
	}
	return out, nil
}

func lookupFold(obj map[string]any, key string) (any, bool) {
	if v, ok := obj[key]; ok {
		return v, true
	}
	for k, v := range obj {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
