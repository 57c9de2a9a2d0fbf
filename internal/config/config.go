// Package config loads the relayer's configuration from the environment,
// with an optional YAML overlay for program id overrides. A .env file is
// autoloaded by the binary.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Level    string
	Format   string
	Output   string
	FilePath string
}

// ProgramOverrides re-points the on-chain programs the relayer talks to,
// for devnet or forked deployments.
type ProgramOverrides struct {
	FundingProgramID string `yaml:"funding_program_id"`
	DriftProgramID   string `yaml:"drift_program_id"`
	MangoProgramID   string `yaml:"mango_program_id"`
	MangoGroupID     string `yaml:"mango_group_id"`
}

type RelayerConfig struct {
	RPCURL     string
	WSURL      string
	Signer     solana.PrivateKey
	Markets    []string
	Commitment rpc.CommitmentType

	// empty disables funding-update persistence
	DBDSN string
	// empty disables the status API
	APIListenAddr string

	Programs ProgramOverrides
	Log      LogConfig
}

func LoadRelayerConfig() (RelayerConfig, error) {
	rpcURL, err := requireEnv("RPC_URL")
	if err != nil {
		return RelayerConfig{}, err
	}
	wsURL, err := requireEnv("WS_URL")
	if err != nil {
		return RelayerConfig{}, err
	}

	signer, err := parsePrivateKey(os.Getenv("PRIVATE_KEY"))
	if err != nil {
		return RelayerConfig{}, err
	}

	marketsRaw, err := requireEnv("MARKETS")
	if err != nil {
		return RelayerConfig{}, err
	}
	markets := parseCSV(marketsRaw)
	if len(markets) == 0 {
		return RelayerConfig{}, fmt.Errorf("invalid MARKETS: no symbols")
	}

	commitment, err := envCommitment("SOLANA_COMMITMENT", rpc.CommitmentConfirmed)
	if err != nil {
		return RelayerConfig{}, err
	}

	overrides, err := loadProgramOverrides(envOrDefault("CONFIG_FILE", "funding.yaml"))
	if err != nil {
		return RelayerConfig{}, err
	}

	return RelayerConfig{
		RPCURL:        rpcURL,
		WSURL:         wsURL,
		Signer:        signer,
		Markets:       markets,
		Commitment:    commitment,
		DBDSN:         strings.TrimSpace(os.Getenv("FUNDING_DB_DSN")),
		APIListenAddr: strings.TrimSpace(os.Getenv("API_LISTEN_ADDR")),
		Programs:      overrides,
		Log:           buildLogConfig(),
	}, nil
}

// parsePrivateKey decodes the signer's secret key from comma-separated
// bytes.
func parsePrivateKey(raw string) (solana.PrivateKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("missing required environment variable PRIVATE_KEY")
	}

	parts := strings.Split(raw, ",")
	key := make(solana.PrivateKey, 0, len(parts))
	for _, part := range parts {
		b, err := strconv.ParseUint(strings.TrimSpace(part), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid PRIVATE_KEY: %w", err)
		}
		key = append(key, byte(b))
	}
	if len(key) != 64 {
		return nil, fmt.Errorf("invalid PRIVATE_KEY: expected 64 bytes, got %d", len(key))
	}
	return key, nil
}

// loadProgramOverrides reads the YAML overlay when present. Environment
// variables win over file values.
func loadProgramOverrides(path string) (ProgramOverrides, error) {
	var overrides ProgramOverrides

	raw, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(raw, &overrides); err != nil {
			return ProgramOverrides{}, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return ProgramOverrides{}, fmt.Errorf("read %s: %w", path, err)
	}

	if v := strings.TrimSpace(os.Getenv("FUNDING_PROGRAM_ID")); v != "" {
		overrides.FundingProgramID = v
	}
	if v := strings.TrimSpace(os.Getenv("DRIFT_PROGRAM_ID")); v != "" {
		overrides.DriftProgramID = v
	}
	if v := strings.TrimSpace(os.Getenv("MANGO_PROGRAM_ID")); v != "" {
		overrides.MangoProgramID = v
	}
	if v := strings.TrimSpace(os.Getenv("MANGO_GROUP_ID")); v != "" {
		overrides.MangoGroupID = v
	}
	return overrides, nil
}

func buildLogConfig() LogConfig {
	return LogConfig{
		Level:    envOrDefault("LOG_LEVEL", "info"),
		Format:   envOrDefault("LOG_FORMAT", "text"),
		Output:   envOrDefault("LOG_OUTPUT", "console"),
		FilePath: envOrDefault("LOG_FILE", ""),
	}
}

func requireEnv(key string) (string, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return "", fmt.Errorf("missing required environment variable %s", key)
	}
	return value, nil
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envCommitment(key string, fallback rpc.CommitmentType) (rpc.CommitmentType, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	switch strings.ToLower(raw) {
	case string(rpc.CommitmentProcessed):
		return rpc.CommitmentProcessed, nil
	case string(rpc.CommitmentConfirmed):
		return rpc.CommitmentConfirmed, nil
	case string(rpc.CommitmentFinalized):
		return rpc.CommitmentFinalized, nil
	default:
		return "", fmt.Errorf("invalid %s: %q (expected processed|confirmed|finalized)", key, raw)
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ParsePubkey resolves an optional base58 override, falling back to the
// compiled-in default.
func ParsePubkey(raw string, fallback solana.PublicKey) (solana.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid program id %q: %w", raw, err)
	}
	return pk, nil
}
