// Package config loads a replica's runtime configuration: its own
// identity and keys, the static peer table, and the protocol knobs
// (pipelining depth, timeouts, tree fanout), using spf13/viper for the
// file format, spf13/cobra for the command surface, and
// mitchellh/go-homedir for resolving the default config location under
// the user's home directory.
package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/relab/kauri"
)

// ReplicaEntry is one peer's entry in the cluster configuration file.
type ReplicaEntry struct {
	ID        kauri.ID `mapstructure:"id"`
	Address   string   `mapstructure:"address"`
	PubKey    string   `mapstructure:"pubkey"`     // PEM-encoded ECDSA public key
	BLSPubKey string   `mapstructure:"bls-pubkey"` // hex-encoded BLS public key
}

// FileConfig is the on-disk shape of a cluster configuration file.
type FileConfig struct {
	ID                kauri.ID       `mapstructure:"id"`
	PrivateKeyPath    string         `mapstructure:"private-key"`
	BLSPrivateKeyPath string         `mapstructure:"bls-private-key"`
	Listen            string         `mapstructure:"listen"`
	Replicas          []ReplicaEntry `mapstructure:"replicas"`
	Fanout            int            `mapstructure:"fanout"`
	AsyncBlocks       int            `mapstructure:"async-blocks"`
	PipedLatencyMS    int            `mapstructure:"piped-latency-ms"`
	DataDir           string         `mapstructure:"data-dir"`
	UseBLS            bool           `mapstructure:"use-bls"`
}

// DefaultConfigPath returns ~/.kauri/config.yaml, the location used when
// no --config flag is given.
func DefaultConfigPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("config: failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".kauri", "config.yaml"), nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("fanout", 2)
	v.SetDefault("async-blocks", 2)
	v.SetDefault("piped-latency-ms", 0)
	v.SetDefault("listen", ":9000")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return &fc, nil
}

// ToReplicaConfig resolves a FileConfig into the in-memory
// kauri.ReplicaConfig the rest of the system depends on, reading and
// parsing every referenced key file along the way.
func (fc *FileConfig) ToReplicaConfig() (*kauri.ReplicaConfig, error) {
	priv, err := loadECDSAKey(fc.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("config: private key: %w", err)
	}

	var blsPriv []byte
	if fc.BLSPrivateKeyPath != "" {
		blsPriv, err = os.ReadFile(fc.BLSPrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("config: bls private key: %w", err)
		}
	}

	replicas := make(map[kauri.ID]kauri.ReplicaInfo, len(fc.Replicas))
	for _, r := range fc.Replicas {
		info := kauri.ReplicaInfo{ID: r.ID, Address: r.Address}
		if r.PubKey != "" {
			pub, err := parseECDSAPublicKeyPEM(r.PubKey)
			if err != nil {
				return nil, fmt.Errorf("config: replica %d pubkey: %w", r.ID, err)
			}
			info.PubKey = pub
		}
		if r.BLSPubKey != "" {
			blsPub, err := hex.DecodeString(r.BLSPubKey)
			if err != nil {
				return nil, fmt.Errorf("config: replica %d bls-pubkey: %w", r.ID, err)
			}
			info.BLSPubKey = blsPub
		}
		replicas[r.ID] = info
	}

	return &kauri.ReplicaConfig{
		ID:            fc.ID,
		PrivateKey:    priv,
		BLSPrivateKey: blsPriv,
		Replicas:      replicas,
		Fanout:        fc.Fanout,
		AsyncBlocks:   fc.AsyncBlocks,
		PipedLatency:  fc.PipedLatencyMS,
	}, nil
}

func loadECDSAKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse EC private key: %w", err)
	}
	return key, nil
}

func parseECDSAPublicKeyPEM(pemStr string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok || ecdsaPub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("expected a P256 ECDSA public key")
	}
	return ecdsaPub, nil
}
