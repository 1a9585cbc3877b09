package mevbot

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mev-bot-framework/node/flight"
	"github.com/mev-bot-framework/node/metrics"
)

var pairABI = func() abi.ABI {
	res, err := abi.JSON(strings.NewReader(`[
		{"name":"getReserves","type":"function","stateMutability":"view","inputs":[],"outputs":[
			{"name":"reserve0","type":"uint112"},
			{"name":"reserve1","type":"uint112"},
			{"name":"blockTimestampLast","type":"uint32"}]}
	]`))
	if err != nil {
		panic(err)
	}
	return res
}()

// EthCaller is the slice of the eth client the reserve loader needs.
type EthCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ReserveLoader fetches constant-product pair reserves, coalescing concurrent
// lookups for the same pool and caching results briefly. FlushOnBlock should
// be called on every new head so workers never price against the previous
// block's reserves for long.
type ReserveLoader struct {
	client EthCaller
	group  *flight.Group[Reserves]
}

func NewReserveLoader(client EthCaller, ttl time.Duration) *ReserveLoader {
	loader := &ReserveLoader{client: client}
	loader.group = flight.NewGroup[Reserves](loader.fetch, ttl)
	return loader
}

// Reserves returns the current reserves of pool, hitting the chain at most
// once per pool per cache window.
func (l *ReserveLoader) Reserves(ctx context.Context, pool common.Address) (Reserves, error) {
	return l.group.Do(ctx, strings.ToLower(pool.Hex()))
}

// FlushOnBlock drops all cached reserves.
func (l *ReserveLoader) FlushOnBlock() {
	l.group.Flush()
}

func (l *ReserveLoader) fetch(ctx context.Context, key string) (Reserves, error) {
	pool := common.HexToAddress(key)
	input, err := pairABI.Pack("getReserves")
	if err != nil {
		return Reserves{}, err
	}

	start := time.Now()
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &pool, Data: input}, nil)
	metrics.RecordRPCCallDuration("eth_call", time.Since(start).Milliseconds())
	if err != nil {
		metrics.IncRPCCallFailure("eth_call")
		return Reserves{}, fmt.Errorf("getReserves %s: %w", pool.Hex(), err)
	}

	vals, err := pairABI.Unpack("getReserves", out)
	if err != nil {
		return Reserves{}, fmt.Errorf("getReserves %s: decode: %w", pool.Hex(), err)
	}
	r0, ok0 := vals[0].(*big.Int)
	r1, ok1 := vals[1].(*big.Int)
	if !ok0 || !ok1 {
		return Reserves{}, fmt.Errorf("getReserves %s: unexpected output types", pool.Hex())
	}
	return Reserves{Reserve0: r0, Reserve1: r1}, nil
}
