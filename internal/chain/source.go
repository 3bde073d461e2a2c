// Package chain reads rounds from the round-advancing smart contract.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	logging "github.com/ipfs/go-log/v2"

	"github.com/storacha/rtracker/internal/tracker"
)

var log = logging.Logger("chain")

const roundsABI = `[
	{"type":"function","name":"currentRoundIndex","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"RoundStart","anonymous":false,"inputs":[{"name":"roundIndex","type":"uint256","indexed":false}]}
]`

var parsedABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(roundsABI))
	if err != nil {
		panic(fmt.Errorf("parsing rounds ABI: %w", err))
	}
	return parsed
}()

// Backend is the subset of the ethclient API used by RoundSource.
type Backend interface {
	ethereum.ContractCaller
	ethereum.LogFilterer
	ethereum.BlockNumberReader
}

var _ tracker.Source = (*RoundSource)(nil)

type RoundSource struct {
	backend Backend
	address common.Address
}

// Dial connects to the RPC endpoint at rpcURL.
func Dial(ctx context.Context, rpcURL string, contractAddress string) (*RoundSource, *ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", rpcURL, err)
	}
	source, err := NewRoundSource(client, contractAddress)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return source, client, nil
}

func NewRoundSource(backend Backend, contractAddress string) (*RoundSource, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", contractAddress)
	}
	return &RoundSource{backend: backend, address: common.HexToAddress(contractAddress)}, nil
}

// ContractAddress returns the lowercase hex address of the contract.
func (s *RoundSource) ContractAddress() string {
	return strings.ToLower(s.address.Hex())
}

func (s *RoundSource) CurrentRoundIndex(ctx context.Context) (uint64, error) {
	data, err := parsedABI.Pack("currentRoundIndex")
	if err != nil {
		return 0, fmt.Errorf("packing call: %w", err)
	}

	out, err := s.backend.CallContract(ctx, ethereum.CallMsg{To: &s.address, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("calling currentRoundIndex: %w", err)
	}

	values, err := parsedABI.Unpack("currentRoundIndex", out)
	if err != nil {
		return 0, fmt.Errorf("unpacking currentRoundIndex: %w", err)
	}
	return toUint64(values)
}

func (s *RoundSource) SubscribeRoundStart(ctx context.Context, ch chan<- tracker.RoundStart) (tracker.Subscription, error) {
	logs := make(chan types.Log, 16)
	logSub, err := s.backend.SubscribeFilterLogs(ctx, s.query(nil, nil), logs)
	if err != nil {
		return nil, fmt.Errorf("subscribing to RoundStart: %w", err)
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer logSub.Unsubscribe()
		for {
			select {
			case <-quit:
				return nil
			case err := <-logSub.Err():
				return err
			case l := <-logs:
				if l.Removed {
					continue
				}
				index, err := roundIndexFromLog(l)
				if err != nil {
					log.Warnf("Skipping RoundStart log in tx %s: %v", l.TxHash, err)
					continue
				}
				select {
				case ch <- tracker.RoundStart{RoundIndex: index, BlockNumber: l.BlockNumber}:
				case <-quit:
					return nil
				}
			}
		}
	}), nil
}

func (s *RoundSource) FindRoundStart(ctx context.Context, roundIndex uint64, lookback uint64) (uint64, bool, error) {
	head, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("reading block number: %w", err)
	}

	var from uint64
	if head > lookback {
		from = head - lookback
	}

	logs, err := s.backend.FilterLogs(ctx, s.query(new(big.Int).SetUint64(from), new(big.Int).SetUint64(head)))
	if err != nil {
		return 0, false, fmt.Errorf("filtering RoundStart logs in [%d, %d]: %w", from, head, err)
	}

	for i := len(logs) - 1; i >= 0; i-- {
		index, err := roundIndexFromLog(logs[i])
		if err != nil {
			log.Warnf("Skipping RoundStart log in tx %s: %v", logs[i].TxHash, err)
			continue
		}
		if index == roundIndex {
			return logs[i].BlockNumber, true, nil
		}
	}
	return 0, false, nil
}

func (s *RoundSource) query(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{s.address},
		Topics:    [][]common.Hash{{parsedABI.Events["RoundStart"].ID}},
	}
}

func roundIndexFromLog(l types.Log) (uint64, error) {
	values, err := parsedABI.Unpack("RoundStart", l.Data)
	if err != nil {
		return 0, fmt.Errorf("unpacking RoundStart: %w", err)
	}
	return toUint64(values)
}

func toUint64(values []any) (uint64, error) {
	if len(values) != 1 {
		return 0, fmt.Errorf("expected 1 value, got %d", len(values))
	}
	n, ok := values[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected value type %T", values[0])
	}
	if !n.IsUint64() {
		return 0, errors.New("round index does not fit in 64 bits")
	}
	return n.Uint64(), nil
}
