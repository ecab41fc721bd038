package session

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/ksred/klear-broker/pkg/apperr"
)

// Conid is a gateway contract id. The gateway encodes it as either a JSON
// number or a string depending on the endpoint.
type Conid int64

func (c *Conid) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*c = Conid(n)
	return nil
}

type accountsResponse struct {
	Accounts        []string `json:"accounts"`
	SelectedAccount string   `json:"selectedAccount"`
}

// ResolveAccount returns the brokerage account for the session, cached for the
// lifetime of the session.
func (m *Manager) ResolveAccount(ctx context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	if acct := m.cache(sessionID).account; acct != "" {
		m.mu.Unlock()
		return acct, nil
	}
	m.mu.Unlock()

	var resp accountsResponse
	if err := m.Do(ctx, http.MethodGet, "/iserver/accounts", nil, &resp); err != nil {
		return "", err
	}

	acct := resp.SelectedAccount
	if acct == "" && len(resp.Accounts) > 0 {
		acct = resp.Accounts[0]
	}
	if acct == "" {
		return "", apperr.New(apperr.KindNoAccountFound, "broker returned no trading account")
	}

	m.mu.Lock()
	m.cache(sessionID).account = acct
	m.mu.Unlock()
	return acct, nil
}

type searchResult struct {
	Conid  Conid  `json:"conid"`
	Symbol string `json:"symbol"`
}

// ResolveContract maps a symbol to the gateway contract id, cached for the
// lifetime of the session.
func (m *Manager) ResolveContract(ctx context.Context, sessionID, symbol string) (int64, error) {
	symbol = strings.ToUpper(symbol)

	m.mu.Lock()
	if conid, ok := m.cache(sessionID).contracts[symbol]; ok {
		m.mu.Unlock()
		return conid, nil
	}
	m.mu.Unlock()

	var raw json.RawMessage
	body := map[string]interface{}{"symbol": symbol, "name": false, "secType": "STK"}
	if err := m.Do(ctx, http.MethodPost, "/iserver/secdef/search", body, &raw); err != nil {
		if apperr.Is(err, apperr.KindBrokerRejected) {
			return 0, apperr.Newf(apperr.KindSymbolNotFound, "symbol not found: %s", symbol)
		}
		return 0, err
	}

	// No matches come back as an error object rather than an empty list.
	var results []searchResult
	if err := json.Unmarshal(raw, &results); err != nil || len(results) == 0 || results[0].Conid == 0 {
		return 0, apperr.Newf(apperr.KindSymbolNotFound, "symbol not found: %s", symbol)
	}

	conid := int64(results[0].Conid)
	m.mu.Lock()
	m.cache(sessionID).contracts[symbol] = conid
	m.mu.Unlock()
	return conid, nil
}
