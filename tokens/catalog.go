package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/defistate/defistate-aggregator-go/chains"
)

// Default dynamic token-list sources, fetched once at startup.
const (
	TrustWalletEthereumListURL = "https://raw.githubusercontent.com/trustwallet/assets/master/blockchains/ethereum/tokenlist.json"
	PolygonListURL             = "https://unpkg.com/quickswap-default-token-list@latest/build/quickswap-default.tokenlist.json"
)

// Catalog owns the merged token list per chain: the static configured list
// followed by dynamically loaded lists, deduplicated by lowercase address
// with first occurrence winning.
//
// The merged view is replaced wholesale on refresh (copy-on-write); readers
// never block on a fetch.
type Catalog struct {
	logger chains.Logger
	client *http.Client

	mu     sync.RWMutex
	merged map[uint64][]Token
	remote map[uint64][]Token
	index  map[uint64]map[string]Token
}

// NewCatalog seeds the catalog with the static lists for the given chains.
func NewCatalog(logger chains.Logger, chainIDs ...uint64) *Catalog {
	c := &Catalog{
		logger: logger,
		client: &http.Client{},
		merged: make(map[uint64][]Token),
		remote: make(map[uint64][]Token),
		index:  make(map[uint64]map[string]Token),
	}
	for _, id := range chainIDs {
		c.remerge(id)
	}
	return c
}

// tokenList is the standard token-list document shape shared by the Trust
// Wallet and Uniswap-style lists.
type tokenList struct {
	Name   string `json:"name"`
	Tokens []struct {
		ChainID  uint64 `json:"chainId"`
		Address  string `json:"address"`
		Symbol   string `json:"symbol"`
		Name     string `json:"name"`
		Decimals uint8  `json:"decimals"`
		LogoURI  string `json:"logoURI,omitempty"`
	} `json:"tokens"`
}

// RefreshRemote fetches a token-list document and re-merges the chain's view.
// The caller controls the deadline via ctx.
func (c *Catalog) RefreshRemote(ctx context.Context, chainID uint64, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building token list request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching token list %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching token list %s: unexpected status %d", url, resp.StatusCode)
	}

	var list tokenList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("decoding token list %s: %w", url, err)
	}

	remote := make([]Token, 0, len(list.Tokens))
	for _, raw := range list.Tokens {
		if raw.ChainID != 0 && raw.ChainID != chainID {
			continue
		}
		if !common.IsHexAddress(raw.Address) {
			continue
		}
		remote = append(remote, Token{
			Address:  common.HexToAddress(raw.Address),
			Symbol:   raw.Symbol,
			Name:     raw.Name,
			Decimals: raw.Decimals,
			ChainID:  chainID,
			LogoURI:  raw.LogoURI,
		})
	}

	c.mu.Lock()
	c.remote[chainID] = remote
	c.mu.Unlock()
	c.remerge(chainID)

	c.logger.Info("Token list refreshed", "chain_id", chainID, "url", url, "tokens", len(remote))
	return nil
}

// remerge rebuilds the merged list and address index for one chain.
func (c *Catalog) remerge(chainID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{})
	var merged []Token
	index := make(map[string]Token)

	for _, t := range append(Static(chainID), c.remote[chainID]...) {
		key := Lower(t.Address)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, t)
		index[key] = t
	}

	c.merged[chainID] = merged
	c.index[chainID] = index
}

// Merged returns a defensive copy of the merged token list for a chain.
func (c *Catalog) Merged(chainID uint64) []Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src := c.merged[chainID]
	out := make([]Token, len(src))
	copy(out, src)
	return out
}

// ByAddress retrieves a token from the merged view by address.
func (c *Catalog) ByAddress(chainID uint64, addr common.Address) (Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.index[chainID][Lower(addr)]
	return t, ok
}
