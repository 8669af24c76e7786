// Package config loads the YAML configuration file and applies AGENTSPEND_*
// environment overrides. Passphrases and tokens are read from the
// environment only.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"agentspend/go-backend/internal/keystore"
	"agentspend/go-backend/internal/signer"
)

const envPrefix = "AGENTSPEND_"

var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	Network     NetworkConfig     `yaml:"network"`
	Keystore    KeystoreConfig    `yaml:"keystore"`
	Signer      SignerConfig      `yaml:"signer"`
	FeeReserve  FeeReserveConfig  `yaml:"feeReserve"`
	Budget      BudgetConfig      `yaml:"budget"`
	Audit       AuditConfig       `yaml:"audit"`
	Facilitator FacilitatorConfig `yaml:"facilitator"`
}

type NetworkConfig struct {
	Name        string `yaml:"name"`
	RPCEndpoint string `yaml:"rpcEndpoint"`
	Commitment  string `yaml:"commitment"`
}

type KeystoreConfig struct {
	Path string             `yaml:"path"`
	KDF  keystore.KDFParams `yaml:"kdf"`
}

type SignerConfig struct {
	Backend         string `yaml:"backend"`
	EnclaveURL      string `yaml:"enclaveURL"`
	EnclaveKeyID    string `yaml:"enclaveKeyID"`
	ExpectedAddress string `yaml:"expectedAddress"`
}

type FeeReserveConfig struct {
	AlertThresholdLamports uint64 `yaml:"alertThresholdLamports"`
	LamportsPerOperation   uint64 `yaml:"lamportsPerOperation"`
}

type BudgetConfig struct {
	Initial      uint64 `yaml:"initial"`
	OwnerAccount string `yaml:"ownerAccount"`
	SnapshotPath string `yaml:"snapshotPath"`
}

type AuditConfig struct {
	Sinks       []string `yaml:"sinks"`
	JSONLPath   string   `yaml:"jsonlPath"`
	RedisAddr   string   `yaml:"redisAddr"`
	RedisStream string   `yaml:"redisStream"`
}

type FacilitatorConfig struct {
	ListenAddr      string  `yaml:"listenAddr"`
	RateLimitRPS    float64 `yaml:"rateLimitRPS"`
	RateLimitBurst  int     `yaml:"rateLimitBurst"`
	FeePayerKeyPath string  `yaml:"feePayerKeyPath"`
	// ClientRateLimit* bound each client address across all payers it submits for.
	ClientRateLimitRPS   float64 `yaml:"clientRateLimitRPS"`
	ClientRateLimitBurst int     `yaml:"clientRateLimitBurst"`
}

// Secrets never come from the config file.
type Secrets struct {
	KeyPassphrase      string
	FeePayerPassphrase string
	SnapshotSecret     string
	EnclaveToken       string
	FacilitatorToken   string
	RedisPassword      string
}

func Default() Config {
	return Config{
		Network: NetworkConfig{
			Name:        "solana-devnet",
			RPCEndpoint: "https://api.devnet.solana.com",
			Commitment:  "confirmed",
		},
		Keystore: KeystoreConfig{
			Path: "agent-key.json",
			KDF:  keystore.DefaultKDFParams(),
		},
		Signer: SignerConfig{Backend: string(signer.BackendLocal)},
		FeeReserve: FeeReserveConfig{
			AlertThresholdLamports: 10_000_000,
			LamportsPerOperation:   5_000,
		},
		Audit: AuditConfig{Sinks: []string{"jsonl"}, JSONLPath: "audit.jsonl", RedisStream: "agentspend:audit"},
		Facilitator: FacilitatorConfig{
			ListenAddr:     "127.0.0.1:8402",
			RateLimitRPS:         5,
			RateLimitBurst:       10,
			ClientRateLimitRPS:   50,
			ClientRateLimitBurst: 100,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error; a file
// that does not parse is.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, err
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
			}
		}
	}
	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func ApplyEnvOverrides(cfg *Config) error {
	setString(&cfg.Network.Name, "NETWORK")
	setString(&cfg.Network.RPCEndpoint, "RPC_ENDPOINT")
	setString(&cfg.Network.Commitment, "COMMITMENT")
	setString(&cfg.Keystore.Path, "KEYSTORE_PATH")
	setString(&cfg.Signer.Backend, "SIGNER_BACKEND")
	setString(&cfg.Signer.EnclaveURL, "ENCLAVE_URL")
	setString(&cfg.Signer.EnclaveKeyID, "ENCLAVE_KEY_ID")
	setString(&cfg.Budget.OwnerAccount, "OWNER_ACCOUNT")
	setString(&cfg.Budget.SnapshotPath, "BUDGET_SNAPSHOT_PATH")
	setString(&cfg.Audit.JSONLPath, "AUDIT_JSONL_PATH")
	setString(&cfg.Audit.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Facilitator.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.Facilitator.FeePayerKeyPath, "FEE_PAYER_KEY_PATH")

	if raw := env("AUDIT_SINKS"); raw != "" {
		cfg.Audit.Sinks = splitList(raw)
	}
	if err := setUint(&cfg.Budget.Initial, "BUDGET_INITIAL"); err != nil {
		return err
	}
	if err := setUint(&cfg.FeeReserve.AlertThresholdLamports, "FEE_ALERT_THRESHOLD"); err != nil {
		return err
	}
	if raw := env("RATE_LIMIT_RPS"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%w: %sRATE_LIMIT_RPS: %v", ErrInvalidConfig, envPrefix, err)
		}
		cfg.Facilitator.RateLimitRPS = v
	}
	return nil
}

func LoadSecrets() Secrets {
	return Secrets{
		KeyPassphrase:      os.Getenv(envPrefix + "KEY_PASSPHRASE"),
		FeePayerPassphrase: os.Getenv(envPrefix + "FEE_PAYER_PASSPHRASE"),
		SnapshotSecret:     os.Getenv(envPrefix + "SNAPSHOT_SECRET"),
		EnclaveToken:       os.Getenv(envPrefix + "ENCLAVE_TOKEN"),
		FacilitatorToken:   os.Getenv(envPrefix + "FACILITATOR_TOKEN"),
		RedisPassword:      os.Getenv(envPrefix + "REDIS_PASSWORD"),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Network.Name) == "" {
		return fmt.Errorf("%w: network.name is required", ErrInvalidConfig)
	}
	switch c.Network.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("%w: network.commitment %q", ErrInvalidConfig, c.Network.Commitment)
	}
	switch signer.Backend(c.Signer.Backend) {
	case signer.BackendLocal:
	case signer.BackendEnclave:
		if c.Signer.EnclaveURL == "" || c.Signer.EnclaveKeyID == "" {
			return fmt.Errorf("%w: enclave backend needs signer.enclaveURL and signer.enclaveKeyID", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: signer.backend %q", ErrInvalidConfig, c.Signer.Backend)
	}
	for _, sink := range c.Audit.Sinks {
		switch sink {
		case "memory", "jsonl", "redis":
		default:
			return fmt.Errorf("%w: audit sink %q", ErrInvalidConfig, sink)
		}
		if sink == "redis" && c.Audit.RedisAddr == "" {
			return fmt.Errorf("%w: redis audit sink needs audit.redisAddr", ErrInvalidConfig)
		}
	}
	f := c.Facilitator
	if f.RateLimitRPS <= 0 || f.RateLimitBurst <= 0 || f.ClientRateLimitRPS <= 0 || f.ClientRateLimitBurst <= 0 {
		return fmt.Errorf("%w: facilitator rate limits must be positive", ErrInvalidConfig)
	}
	return nil
}

// SignerConfig assembles the signer settings for the agent key.
func (c Config) SignerConfig(secrets Secrets) signer.Config {
	return signer.Config{
		Backend:         signer.Backend(c.Signer.Backend),
		KeyPath:         c.Keystore.Path,
		Passphrase:      secrets.KeyPassphrase,
		KDF:             c.Keystore.KDF,
		EnclaveURL:      c.Signer.EnclaveURL,
		EnclaveKeyID:    c.Signer.EnclaveKeyID,
		EnclaveToken:    secrets.EnclaveToken,
		ExpectedAddress: c.Signer.ExpectedAddress,
	}
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + name))
}

func setString(dst *string, name string) {
	if v := env(name); v != "" {
		*dst = v
	}
}

func setUint(dst *uint64, name string) error {
	raw := env(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, envPrefix, name, err)
	}
	*dst = v
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
