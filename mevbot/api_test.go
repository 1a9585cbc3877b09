package mevbot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var adminAddress = common.HexToAddress("0x8888888888888888888888888888888888888888")

type fakeHistory struct {
	opps  []*Opportunity
	stats []KindProfitStats
	err   error
}

func (h *fakeHistory) GetRecentOpportunities(context.Context, int) ([]*Opportunity, error) {
	return h.opps, h.err
}

func (h *fakeHistory) ProfitStats(context.Context) ([]KindProfitStats, error) {
	return h.stats, h.err
}

func testAPI(t *testing.T, history OpportunityHistory) (*API, *Params) {
	t.Helper()
	params := NewParams(eth(1), true)
	pair := testPair()
	strategies := &Strategies{ArbPairs: []ArbPair{pair}}
	api := NewAPI(zap.NewNop().Sugar(), "test", adminAddress, params, fixedBlock(1234), history,
		&RelayBackend{}, strategies, []common.Address{adminAddress}, rate.Limit(100))
	return api, params
}

// rpcCall posts a JSON-RPC request to the handler, optionally impersonating
// a request signer via the signature header.
func rpcCall(t *testing.T, api *API, signer string, method string, params string) (json.RawMessage, *string) {
	t.Helper()
	handler, err := api.Handler()
	require.NoError(t, err)

	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":%q,"params":%s}`, method, params)
	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(body))
	if signer != "" {
		req.Header.Set("x-mevbot-signature", signer+":0xsig")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	if resp.Error != nil {
		return nil, &resp.Error.Message
	}
	return resp.Result, nil
}

func TestAPIStatus(t *testing.T) {
	api, _ := testAPI(t, &fakeHistory{})

	result, rpcErr := rpcCall(t, api, "", StatusEndpointName, "[]")
	require.Nil(t, rpcErr)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(result, &status))
	require.Equal(t, "test", status.Version)
	require.EqualValues(t, 1234, status.CurrentBlock)
	require.Equal(t, 1, status.ArbPairs)
	require.True(t, status.Params.DryRun)
	require.False(t, status.RelaysActive)
}

func TestAPISetParams(t *testing.T) {
	api, params := testAPI(t, &fakeHistory{})

	result, rpcErr := rpcCall(t, api, adminAddress.Hex(), SetParamsEndpointName,
		`[{"minProfitWei":"0x2386f26fc10000","paused":true}]`)
	require.Nil(t, rpcErr)

	var snapshot Snapshot
	require.NoError(t, json.Unmarshal(result, &snapshot))
	require.True(t, snapshot.Paused)
	require.Equal(t, "10000000000000000", params.MinProfitWei().String())
	require.True(t, params.Paused())
	// dryRun untouched
	require.True(t, params.DryRun())
}

func TestAPISetParamsUnauthorized(t *testing.T) {
	api, params := testAPI(t, &fakeHistory{})

	tests := []struct {
		name   string
		signer string
	}{
		{name: "no signature", signer: ""},
		{name: "unknown signer", signer: "0x9999999999999999999999999999999999999999"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, rpcErr := rpcCall(t, api, tt.signer, SetParamsEndpointName, `[{"paused":true}]`)
			require.NotNil(t, rpcErr)
			require.Equal(t, ErrUnauthorized.Error(), *rpcErr)
			require.False(t, params.Paused())
		})
	}
}

func TestAPISetParamsValidation(t *testing.T) {
	api, _ := testAPI(t, &fakeHistory{})

	t.Run("empty update", func(t *testing.T) {
		_, rpcErr := rpcCall(t, api, adminAddress.Hex(), SetParamsEndpointName, `[{}]`)
		require.NotNil(t, rpcErr)
		require.Equal(t, ErrParamsUntouched.Error(), *rpcErr)
	})

	t.Run("negative min profit", func(t *testing.T) {
		_, rpcErr := rpcCall(t, api, adminAddress.Hex(), SetParamsEndpointName, `[{"minProfitWei":"-0x1"}]`)
		require.NotNil(t, rpcErr)
	})
}

func TestAPIPauseResume(t *testing.T) {
	api, params := testAPI(t, &fakeHistory{})

	_, rpcErr := rpcCall(t, api, adminAddress.Hex(), PauseEndpointName, "[]")
	require.Nil(t, rpcErr)
	require.True(t, params.Paused())

	_, rpcErr = rpcCall(t, api, adminAddress.Hex(), ResumeEndpointName, "[]")
	require.Nil(t, rpcErr)
	require.False(t, params.Paused())
}

func TestAPIRecentOpportunities(t *testing.T) {
	opp := discoveredArb(t)
	api, _ := testAPI(t, &fakeHistory{opps: []*Opportunity{opp}})

	result, rpcErr := rpcCall(t, api, "", RecentOppsEndpointName, "[10]")
	require.Nil(t, rpcErr)

	var opps []*Opportunity
	require.NoError(t, json.Unmarshal(result, &opps))
	require.Len(t, opps, 1)
	require.Equal(t, opp.ID, opps[0].ID)
}

func TestAPIProfitStats(t *testing.T) {
	api, _ := testAPI(t, &fakeHistory{stats: []KindProfitStats{
		{Kind: "arbitrage", Found: 10, Executed: 3, Succeeded: 2, ProfitEth: "0.5"},
	}})

	result, rpcErr := rpcCall(t, api, "", ProfitStatsEndpointName, "[]")
	require.Nil(t, rpcErr)

	var stats []KindProfitStats
	require.NoError(t, json.Unmarshal(result, &stats))
	require.Len(t, stats, 1)
	require.EqualValues(t, 10, stats[0].Found)
}

func TestAPIReadRateLimit(t *testing.T) {
	params := NewParams(eth(1), true)
	api := NewAPI(zap.NewNop().Sugar(), "test", adminAddress, params, fixedBlock(1), &fakeHistory{},
		&RelayBackend{}, &Strategies{}, nil, rate.Limit(0.0001))

	// burst of 5, the sixth call trips the limiter
	var lastErr *string
	for i := 0; i < 6; i++ {
		_, lastErr = rpcCall(t, api, "", ProfitStatsEndpointName, "[]")
	}
	require.NotNil(t, lastErr)
	require.Equal(t, ErrRateLimited.Error(), *lastErr)
}
