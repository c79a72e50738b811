// Package accounts loads the restaurant account set: which ledger accounts
// belong to which restaurant, in which currencies they accept payments and
// which memo pattern marks a payment as theirs. The core only reads it.
package accounts

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Account is one ledger address owned by a restaurant.
type Account struct {
	Address     string
	Recipient   string
	Currencies  []string
	MemoPattern string
}

// Accepts reports whether the account takes payments in currency.
func (a Account) Accepts(currency string) bool {
	for _, c := range a.Currencies {
		if c == currency {
			return true
		}
	}
	return false
}

// MatchesMemo applies the substring rule. An empty pattern matches every memo.
func (a Account) MatchesMemo(memo string) bool {
	if a.MemoPattern == "" {
		return true
	}
	return strings.Contains(memo, a.MemoPattern)
}

// Registry maps ledger addresses to accounts.
type Registry struct {
	byAddress  map[string]Account
	recipients map[string][]string
}

type fileConfig struct {
	Restaurants []restaurantConfig `yaml:"restaurants"`
}

type restaurantConfig struct {
	ID       string          `yaml:"id"`
	Accounts []accountConfig `yaml:"accounts"`
}

type accountConfig struct {
	Account    string   `yaml:"account"`
	Currencies []string `yaml:"currencies"`
	Memo       string   `yaml:"memo"`
}

// LoadRegistry reads and validates an account set YAML file.
func LoadRegistry(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Registry{}, err
	}
	return ParseRegistry(data)
}

// ParseRegistry validates an account set document.
func ParseRegistry(data []byte) (Registry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg fileConfig
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return Registry{}, errors.New("restaurants must not be empty")
		}
		return Registry{}, err
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Registry{}, errors.New("config has trailing documents")
	}
	return buildRegistry(cfg)
}

func buildRegistry(cfg fileConfig) (Registry, error) {
	if len(cfg.Restaurants) == 0 {
		return Registry{}, errors.New("restaurants must not be empty")
	}

	registry := Registry{
		byAddress:  make(map[string]Account),
		recipients: make(map[string][]string, len(cfg.Restaurants)),
	}

	for i, restaurant := range cfg.Restaurants {
		id := strings.TrimSpace(restaurant.ID)
		if id == "" {
			return Registry{}, fmt.Errorf("restaurants[%d].id is required", i)
		}
		if _, exists := registry.recipients[id]; exists {
			return Registry{}, fmt.Errorf("restaurants[%d].id %q is duplicated", i, id)
		}
		if len(restaurant.Accounts) == 0 {
			return Registry{}, fmt.Errorf("restaurants[%d].accounts must not be empty", i)
		}

		addresses := make([]string, 0, len(restaurant.Accounts))
		for j, acct := range restaurant.Accounts {
			address := strings.TrimSpace(acct.Account)
			if address == "" {
				return Registry{}, fmt.Errorf("restaurants[%d].accounts[%d].account is required", i, j)
			}
			if owner, exists := registry.byAddress[address]; exists {
				return Registry{}, fmt.Errorf("restaurants[%d].accounts[%d].account %q is already owned by %q", i, j, address, owner.Recipient)
			}
			if len(acct.Currencies) == 0 {
				return Registry{}, fmt.Errorf("restaurants[%d].accounts[%d].currencies is required", i, j)
			}
			currencies := make([]string, 0, len(acct.Currencies))
			seen := make(map[string]struct{}, len(acct.Currencies))
			for _, c := range acct.Currencies {
				symbol := strings.ToUpper(strings.TrimSpace(c))
				if symbol == "" {
					return Registry{}, fmt.Errorf("restaurants[%d].accounts[%d].currencies must not include empty values", i, j)
				}
				if _, dup := seen[symbol]; dup {
					return Registry{}, fmt.Errorf("restaurants[%d].accounts[%d].currencies contains duplicate value %q", i, j, symbol)
				}
				seen[symbol] = struct{}{}
				currencies = append(currencies, symbol)
			}
			registry.byAddress[address] = Account{
				Address:     address,
				Recipient:   id,
				Currencies:  currencies,
				MemoPattern: acct.Memo,
			}
			addresses = append(addresses, address)
		}
		registry.recipients[id] = addresses
	}

	return registry, nil
}

// Lookup resolves an address by exact match.
func (r Registry) Lookup(address string) (Account, bool) {
	acct, ok := r.byAddress[address]
	return acct, ok
}

// AccountsFor lists the accounts accepting currency, ordered by address.
func (r Registry) AccountsFor(currency string) []Account {
	var out []Account
	for _, acct := range r.byAddress {
		if acct.Accepts(currency) {
			out = append(out, acct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Recipients lists restaurant ids in sorted order.
func (r Registry) Recipients() []string {
	out := make([]string, 0, len(r.recipients))
	for id := range r.recipients {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// HasRecipient reports whether id is a configured restaurant.
func (r Registry) HasRecipient(id string) bool {
	_, ok := r.recipients[id]
	return ok
}
