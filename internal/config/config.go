// Package config loads the server configuration from an optional YAML file,
// then applies ZKDB_* environment overrides and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen  string  `yaml:"listen"`
	DBPath  string  `yaml:"db_path"`
	Log     Log     `yaml:"log"`
	Merkle  Merkle  `yaml:"merkle"`
	Workers Workers `yaml:"workers"`
	Chain   Chain   `yaml:"chain"`
	Auth    Auth    `yaml:"auth"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Merkle struct {
	// DefaultHeight applies to databases created without an explicit height.
	DefaultHeight int `yaml:"default_height"`
}

type Workers struct {
	Enabled         bool          `yaml:"enabled"`
	ProofInterval   time.Duration `yaml:"proof_interval"`
	SubmitInterval  time.Duration `yaml:"submit_interval"`
	ConfirmInterval time.Duration `yaml:"confirm_interval"`
	ReapInterval    time.Duration `yaml:"reap_interval"`
	LeaseTimeout    time.Duration `yaml:"lease_timeout"`
	Batch           int           `yaml:"batch"`
}

type Chain struct {
	// Network is "memory" or "ethereum".
	Network       string `yaml:"network"`
	RPCURL        string `yaml:"rpc_url"`
	Confirmations uint64 `yaml:"confirmations"`
}

type Auth struct {
	// DevActor, when set, disables OIDC. Requests act as this actor unless
	// they carry an X-Actor header.
	DevActor     string        `yaml:"dev_actor"`
	IssuerURL    string        `yaml:"issuer_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	RedirectURL  string        `yaml:"redirect_url"`
	// GroupsClaim names the ID token claim listing the directory groups
	// the actor joins at login.
	GroupsClaim  string        `yaml:"groups_claim"`
	SessionKey   string        `yaml:"session_key"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
	CookieSecure bool          `yaml:"cookie_secure"`
	CookieDomain string        `yaml:"cookie_domain"`
}

func Default() Config {
	return Config{
		Listen: ":8080",
		DBPath: "zkdocdb.sqlite",
		Log:    Log{Level: "info", Format: "text"},
		Merkle: Merkle{DefaultHeight: 32},
		Workers: Workers{
			Enabled:         true,
			ProofInterval:   time.Second,
			SubmitInterval:  time.Second,
			ConfirmInterval: 5 * time.Second,
			ReapInterval:    30 * time.Second,
			LeaseTimeout:    5 * time.Minute,
			Batch:           32,
		},
		Chain: Chain{Network: "memory", Confirmations: 1},
		Auth:  Auth{GroupsClaim: "groups", SessionTTL: 30 * 24 * time.Hour},
	}
}

// Load reads path over the defaults; an empty path uses defaults and the
// environment only.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config load: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("config unmarshal: %w", err)
		}
	}
	if err := applyEnvOverrides(&c); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.Merkle.DefaultHeight < 1 || c.Merkle.DefaultHeight > 64 {
		errs = append(errs, fmt.Errorf("merkle.default_height %d out of range 1..64", c.Merkle.DefaultHeight))
	}
	switch c.Chain.Network {
	case "memory":
	case "ethereum":
		if c.Chain.RPCURL == "" {
			errs = append(errs, errors.New("chain.rpc_url is required for the ethereum network"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown chain.network %q", c.Chain.Network))
	}
	if c.Auth.DevActor == "" && (c.Auth.IssuerURL == "" || c.Auth.ClientID == "" || c.Auth.RedirectURL == "") {
		errs = append(errs, errors.New("auth needs either dev_actor or issuer_url, client_id and redirect_url"))
	}
	if c.Workers.Enabled {
		for name, d := range map[string]time.Duration{
			"proof_interval":   c.Workers.ProofInterval,
			"submit_interval":  c.Workers.SubmitInterval,
			"confirm_interval": c.Workers.ConfirmInterval,
			"reap_interval":    c.Workers.ReapInterval,
			"lease_timeout":    c.Workers.LeaseTimeout,
		} {
			if d <= 0 {
				errs = append(errs, fmt.Errorf("workers.%s must be positive", name))
			}
		}
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(c *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		c.Listen = ":" + v
	}
	strs := map[string]*string{
		"ZKDB_LISTEN":             &c.Listen,
		"ZKDB_DB_PATH":            &c.DBPath,
		"ZKDB_LOG_LEVEL":          &c.Log.Level,
		"ZKDB_LOG_FORMAT":         &c.Log.Format,
		"ZKDB_CHAIN_NETWORK":      &c.Chain.Network,
		"ZKDB_CHAIN_RPC_URL":      &c.Chain.RPCURL,
		"ZKDB_DEV_ACTOR":          &c.Auth.DevActor,
		"ZKDB_OIDC_ISSUER_URL":    &c.Auth.IssuerURL,
		"ZKDB_OIDC_CLIENT_ID":     &c.Auth.ClientID,
		"ZKDB_OIDC_CLIENT_SECRET": &c.Auth.ClientSecret,
		"ZKDB_OIDC_REDIRECT_URL":  &c.Auth.RedirectURL,
		"ZKDB_OIDC_GROUPS_CLAIM":  &c.Auth.GroupsClaim,
		"ZKDB_SESSION_KEY":        &c.Auth.SessionKey,
		"ZKDB_COOKIE_DOMAIN":      &c.Auth.CookieDomain,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("ZKDB_WORKERS_ENABLED"); v != "" {
		c.Workers.Enabled = parseBool(v)
	}
	if v := os.Getenv("ZKDB_COOKIE_SECURE"); v != "" {
		c.Auth.CookieSecure = parseBool(v)
	}
	if v := os.Getenv("ZKDB_CHAIN_CONFIRMATIONS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("ZKDB_CHAIN_CONFIRMATIONS: %w", err)
		}
		c.Chain.Confirmations = n
	}
	if v := os.Getenv("ZKDB_MERKLE_HEIGHT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ZKDB_MERKLE_HEIGHT: %w", err)
		}
		c.Merkle.DefaultHeight = n
	}
	if v := os.Getenv("ZKDB_LEASE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ZKDB_LEASE_TIMEOUT: %w", err)
		}
		c.Workers.LeaseTimeout = d
	}
	return nil
}

func parseBool(v string) bool {
	return strings.ToLower(v) == "true" || v == "1"
}
