package accounts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `# account set
restaurants:
  - id: indies
    accounts:
      - account: indies.cafe
        currencies: [hbd, EURO]
        memo: "table"
  - id: croque
    accounts:
      - account: croque.bar
        currencies: [HBD]
      - account: croque.test
        currencies: [HBD]
        memo: "-dev"
`

func TestLoadRegistryValidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o600))

	registry, err := LoadRegistry(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"croque", "indies"}, registry.Recipients())
	assert.True(t, registry.HasRecipient("indies"))

	acct, ok := registry.Lookup("indies.cafe")
	require.True(t, ok)
	assert.Equal(t, "indies", acct.Recipient)
	assert.Equal(t, []string{"HBD", "EURO"}, acct.Currencies)
	assert.True(t, acct.MatchesMemo("order 12 table 4"))
	assert.False(t, acct.MatchesMemo("order 12"))

	_, ok = registry.Lookup("INDIES.CAFE")
	assert.False(t, ok, "address match is exact")

	hbd := registry.AccountsFor("HBD")
	require.Len(t, hbd, 3)
	assert.Equal(t, "croque.bar", hbd[0].Address)
	assert.True(t, hbd[0].MatchesMemo("anything"))

	euro := registry.AccountsFor("EURO")
	require.Len(t, euro, 1)
	assert.Equal(t, "indies.cafe", euro[0].Address)
}

func TestParseRegistryRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"empty":            ``,
		"no restaurants":   "restaurants: []\n",
		"missing id":       "restaurants:\n  - accounts:\n      - account: a\n        currencies: [HBD]\n",
		"duplicate id":     "restaurants:\n  - id: a\n    accounts:\n      - account: a1\n        currencies: [HBD]\n  - id: a\n    accounts:\n      - account: a2\n        currencies: [HBD]\n",
		"shared address":   "restaurants:\n  - id: a\n    accounts:\n      - account: x\n        currencies: [HBD]\n  - id: b\n    accounts:\n      - account: x\n        currencies: [HBD]\n",
		"no currencies":    "restaurants:\n  - id: a\n    accounts:\n      - account: x\n",
		"dup currency":     "restaurants:\n  - id: a\n    accounts:\n      - account: x\n        currencies: [HBD, hbd]\n",
		"unknown field":    "restaurants:\n  - id: a\n    cursor: 10\n    accounts:\n      - account: x\n        currencies: [HBD]\n",
		"trailing doc":     "restaurants:\n  - id: a\n    accounts:\n      - account: x\n        currencies: [HBD]\n---\nfoo: bar\n",
		"missing accounts": "restaurants:\n  - id: a\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRegistry([]byte(doc))
			assert.Error(t, err)
		})
	}
}
