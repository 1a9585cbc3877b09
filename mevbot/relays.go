package mevbot

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type RelayAPI uint8

const (
	// RelayAPIBundle speaks eth_sendBundle.
	RelayAPIBundle RelayAPI = iota
	// RelayAPIRaw submits each transaction with eth_sendRawTransaction,
	// used for plain RPC endpoints without bundle support.
	RelayAPIRaw
)

var (
	ErrInvalidRelay    = errors.New("invalid relay specification")
	ErrNoRelayAccepted = errors.New("no relay accepted the bundle")
)

type RelaysConfig struct {
	Relays []struct {
		Name     string `yaml:"name"`
		URL      string `yaml:"url"`
		API      string `yaml:"api"`
		Disabled bool   `yaml:"disabled"`
	} `yaml:"relays"`
}

// SendBundleArgs is the eth_sendBundle parameter object.
type SendBundleArgs struct {
	BlockNumber     hexutil.Uint64  `json:"blockNumber"`
	Txs             []hexutil.Bytes `json:"txs"`
	ReplacementUUID string          `json:"replacementUuid,omitempty"`
}

// CancelBundleArgs is the eth_cancelBundle parameter object.
type CancelBundleArgs struct {
	ReplacementUUID string `json:"replacementUuid"`
}

type JSONRPCRelay struct {
	Name   string
	Client jsonrpc.RPCClient
	API    RelayAPI
}

func (r *JSONRPCRelay) SendBundle(ctx context.Context, targetBlock uint64, txs []hexutil.Bytes, replacementUUID string) error {
	switch r.API {
	case RelayAPIBundle:
		args := SendBundleArgs{
			BlockNumber:     hexutil.Uint64(targetBlock),
			Txs:             txs,
			ReplacementUUID: replacementUUID,
		}
		res, err := r.Client.Call(ctx, "eth_sendBundle", []SendBundleArgs{args})
		if err != nil {
			return err
		}
		if res.Error != nil {
			return res.Error
		}
	case RelayAPIRaw:
		for _, tx := range txs {
			res, err := r.Client.Call(ctx, "eth_sendRawTransaction", tx)
			if err != nil {
				return err
			}
			if res.Error != nil {
				return res.Error
			}
		}
	}
	return nil
}

// CancelBundle withdraws a previously submitted bundle. Only bundle-API
// relays support cancellation.
func (r *JSONRPCRelay) CancelBundle(ctx context.Context, replacementUUID string) error {
	if r.API != RelayAPIBundle {
		return nil
	}
	res, err := r.Client.Call(ctx, "eth_cancelBundle", []CancelBundleArgs{{ReplacementUUID: replacementUUID}})
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	return nil
}

type RelayBackend struct {
	relays []JSONRPCRelay
}

// LoadRelaysConfig parses the relay config file.
func LoadRelaysConfig(file string) (*RelayBackend, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var config RelaysConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	relays := make([]JSONRPCRelay, 0, len(config.Relays))
	for _, relay := range config.Relays {
		if relay.Disabled {
			continue
		}

		var api RelayAPI
		switch relay.API {
		case "bundle":
			api = RelayAPIBundle
		case "raw":
			api = RelayAPIRaw
		default:
			return nil, ErrInvalidRelay
		}

		relays = append(relays, JSONRPCRelay{
			Name:   relay.Name,
			Client: jsonrpc.NewClient(relay.URL),
			API:    api,
		})
	}

	return &RelayBackend{relays: relays}, nil
}

func (b *RelayBackend) Enabled() bool {
	return len(b.relays) > 0
}

// HasBundleRelay reports whether at least one relay accepts bundles.
func (b *RelayBackend) HasBundleRelay() bool {
	for _, r := range b.relays {
		if r.API == RelayAPIBundle {
			return true
		}
	}
	return false
}

// SendBundle submits the bundle to all enabled relays in parallel and
// returns the names of the relays that accepted it.
func (b *RelayBackend) SendBundle(ctx context.Context, logger *zap.Logger, targetBlock uint64, txs []hexutil.Bytes, replacementUUID string) ([]string, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []string
	)
	for _, relay := range b.relays {
		wg.Add(1)
		go func(relay JSONRPCRelay) {
			defer wg.Done()

			start := time.Now()
			err := relay.SendBundle(ctx, targetBlock, txs, replacementUUID)
			logger.Debug("Sent bundle to relay", zap.String("relay", relay.Name), zap.Duration("duration", time.Since(start)), zap.Error(err))

			if err != nil {
				logger.Warn("Failed to send bundle to relay", zap.Error(err), zap.String("relay", relay.Name))
				return
			}
			mu.Lock()
			accepted = append(accepted, relay.Name)
			mu.Unlock()
		}(relay)
	}
	wg.Wait()

	if len(accepted) == 0 {
		return nil, ErrNoRelayAccepted
	}
	return accepted, nil
}

// CancelBundle fans the cancellation out to every bundle relay. Errors are
// logged, not returned: the bundle may simply be unknown to a relay.
func (b *RelayBackend) CancelBundle(ctx context.Context, logger *zap.Logger, replacementUUID string) {
	var wg sync.WaitGroup
	for _, relay := range b.relays {
		if relay.API != RelayAPIBundle {
			continue
		}
		wg.Add(1)
		go func(relay JSONRPCRelay) {
			defer wg.Done()
			if err := relay.CancelBundle(ctx, replacementUUID); err != nil {
				logger.Warn("Failed to cancel bundle on relay", zap.Error(err), zap.String("relay", relay.Name))
			}
		}(relay)
	}
	wg.Wait()
}
