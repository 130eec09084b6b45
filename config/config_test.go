package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeECDSAKeyPEM(t *testing.T, dir, name string) (*ecdsa.PrivateKey, string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return priv, path
}

func TestLoadAndToReplicaConfigRoundTripsAClusterFile(t *testing.T) {
	dir := t.TempDir()
	_, keyPath := writeECDSAKeyPEM(t, dir, "r1.pem")

	yaml := `
id: 1
private-key: ` + keyPath + `
listen: ":9001"
fanout: 3
async-blocks: 4
piped-latency-ms: 5
replicas:
  - id: 1
    address: "127.0.0.1:9001"
  - id: 2
    address: "127.0.0.1:9002"
`
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o600))

	fc, err := Load(cfgPath)
	require.NoError(t, err)
	require.Equal(t, ":9001", fc.Listen)
	require.Equal(t, 3, fc.Fanout)
	require.Equal(t, 4, fc.AsyncBlocks)
	require.Equal(t, 5, fc.PipedLatencyMS)
	require.Len(t, fc.Replicas, 2)

	conf, err := fc.ToReplicaConfig()
	require.NoError(t, err)
	require.Equal(t, 3, conf.Fanout)
	require.Equal(t, 4, conf.AsyncBlocks)
	require.Len(t, conf.Replicas, 2)
	require.Equal(t, "127.0.0.1:9002", conf.Replicas[2].Address)
}

func TestLoadAppliesDefaultsWhenOptionalFieldsAreOmitted(t *testing.T) {
	dir := t.TempDir()
	_, keyPath := writeECDSAKeyPEM(t, dir, "r1.pem")

	yaml := `
id: 1
private-key: ` + keyPath + `
replicas:
  - id: 1
    address: "127.0.0.1:9001"
`
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o600))

	fc, err := Load(cfgPath)
	require.NoError(t, err)
	require.Equal(t, 2, fc.Fanout)
	require.Equal(t, 2, fc.AsyncBlocks)
	require.Equal(t, ":9000", fc.Listen)
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestToReplicaConfigReturnsErrorForUnreadablePrivateKey(t *testing.T) {
	fc := &FileConfig{ID: 1, PrivateKeyPath: "/nonexistent/path/key.pem"}
	_, err := fc.ToReplicaConfig()
	require.Error(t, err)
}

func TestParseECDSAPublicKeyPEMRoundTripsARealKey(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pemStr := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	pub, err := parseECDSAPublicKeyPEM(pemStr)
	require.NoError(t, err)
	require.True(t, priv.PublicKey.Equal(pub))
}

func TestParseECDSAPublicKeyPEMRejectsGarbage(t *testing.T) {
	_, err := parseECDSAPublicKeyPEM("not a pem block")
	require.Error(t, err)
}

func TestDefaultConfigPathEndsInKauriConfigYAML(t *testing.T) {
	path, err := DefaultConfigPath()
	require.NoError(t, err)
	want := filepath.Join(".kauri", "config.yaml")
	require.Equal(t, want, path[len(path)-len(want):])
}
