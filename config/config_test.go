package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8085", cfg.HTTP.Addr)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "hub", cfg.Store.Namespace)
	assert.Equal(t, 30*time.Second, cfg.Lease.TTL)
	assert.Equal(t, 10*time.Second, cfg.Lease.RenewInterval)
	assert.Equal(t, 3*time.Second, cfg.Poll.FastInterval)
	assert.Equal(t, 100, cfg.Poll.PageSize)
	assert.Equal(t, int64(1200), cfg.Poll.BlockWindow)
	assert.Equal(t, "spokes", cfg.Stream.Group)
	assert.NotEmpty(t, cfg.Lease.CandidateID)
	require.Len(t, cfg.Currencies, 2)
	assert.Equal(t, "HBD", cfg.Currencies[0].Symbol)
	assert.Equal(t, "messages", cfg.Currencies[1].Source)
	assert.Equal(t, "tokens", cfg.Currencies[1].Contract)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yaml")
	doc := `store:
  driver: memory
lease:
  ttl: 20s
  renewInterval: 5s
  candidateId: spoke-a
poll:
  pageSize: 50
currencies:
  - symbol: hbd
    source: transfers
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("MERCHANT_HUB_HTTP_ADDR", ":9999")
	t.Setenv("MERCHANT_HUB_POLL_FASTINTERVAL", "2s")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 20*time.Second, cfg.Lease.TTL)
	assert.Equal(t, "spoke-a", cfg.Lease.CandidateID)
	assert.Equal(t, 50, cfg.Poll.PageSize)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, 2*time.Second, cfg.Poll.FastInterval)
	require.Len(t, cfg.Currencies, 1)
	assert.Equal(t, "HBD", cfg.Currencies[0].Symbol)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"driver":   "store:\n  driver: etcd\n",
		"renew":    "lease:\n  ttl: 5s\n  renewInterval: 10s\n",
		"source":   "currencies:\n  - symbol: HBD\n    source: rpc\n",
		"messages": "currencies:\n  - symbol: EURO\n    source: messages\n",
		"timeout":  "poll:\n  heartbeatTimeout: 1s\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "hub.yaml")
			require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
			_, err := Load(viper.New(), path)
			assert.Error(t, err)
		})
	}

	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
