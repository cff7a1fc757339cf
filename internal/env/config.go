package env

import (
	"context"
	"crypto/tls"
	"os"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/luma/nsqc/client"
)

// Config is the CLI configuration read from the environment. Flags override
// whatever is set here.
type Config struct {
	NSQDAddress      string   `env:"NSQC_NSQD_ADDRESS"`
	LookupdAddresses []string `env:"NSQC_LOOKUPD_ADDRESSES"`
	AuthSecret       string   `env:"NSQC_AUTH_SECRET"`
	LogLevel         string   `env:"NSQC_LOG_LEVEL,default=info"`
	DebugHTTP        bool     `env:"NSQC_DEBUG_HTTP"`

	Snappy  bool `env:"NSQC_SNAPPY"`
	Deflate bool `env:"NSQC_DEFLATE"`
	TLS     bool `env:"NSQC_TLS"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}

// ClientOptions turns the connection settings into client options.
func (c *Config) ClientOptions() []client.Option {
	var opts []client.Option

	if c.AuthSecret != "" {
		opts = append(opts, client.WithAuthSecret(c.AuthSecret))
	}

	if c.Snappy {
		opts = append(opts, client.WithSnappy())
	}

	if c.Deflate {
		opts = append(opts, client.WithDeflate(client.DefaultDeflateLevel))
	}

	if c.TLS {
		opts = append(opts, client.WithTLS(&tls.Config{MinVersion: tls.VersionTLS12}))
	}

	return opts
}
