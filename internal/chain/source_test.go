package chain

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storacha/rtracker/internal/tracker"
)

const testAddress = "0x8460766Edc62B525fc1FA4D628FC79229dC73031"

type mockBackend struct {
	callContractFunc func(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	filterLogsFunc   func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	blockNumber      uint64
	logs             chan types.Log
}

func (m *mockBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return m.callContractFunc(ctx, call, blockNumber)
}

func (m *mockBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return m.filterLogsFunc(ctx, q)
}

func (m *mockBackend) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		for {
			select {
			case <-quit:
				return nil
			case l := <-m.logs:
				ch <- l
			}
		}
	}), nil
}

func (m *mockBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return m.blockNumber, nil
}

func roundStartLog(t *testing.T, index int64, block uint64) types.Log {
	t.Helper()
	data, err := parsedABI.Events["RoundStart"].Inputs.Pack(big.NewInt(index))
	require.NoError(t, err)
	return types.Log{
		Address:     common.HexToAddress(testAddress),
		Topics:      []common.Hash{parsedABI.Events["RoundStart"].ID},
		Data:        data,
		BlockNumber: block,
	}
}

func TestNewRoundSource(t *testing.T) {
	_, err := NewRoundSource(&mockBackend{}, "not-an-address")
	require.Error(t, err)

	s, err := NewRoundSource(&mockBackend{}, testAddress)
	require.NoError(t, err)
	assert.Equal(t, "0x8460766edc62b525fc1fa4d628fc79229dc73031", s.ContractAddress())
}

func TestCurrentRoundIndex(t *testing.T) {
	backend := &mockBackend{
		callContractFunc: func(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
			require.Equal(t, common.HexToAddress(testAddress), *call.To)
			require.Equal(t, parsedABI.Methods["currentRoundIndex"].ID, call.Data[:4])
			return parsedABI.Methods["currentRoundIndex"].Outputs.Pack(big.NewInt(120))
		},
	}
	s, err := NewRoundSource(backend, testAddress)
	require.NoError(t, err)

	index, err := s.CurrentRoundIndex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(120), index)
}

func TestFindRoundStart(t *testing.T) {
	var query ethereum.FilterQuery
	backend := &mockBackend{
		blockNumber: 1_000,
		filterLogsFunc: func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
			query = q
			return []types.Log{
				roundStartLog(t, 119, 880),
				roundStartLog(t, 120, 940),
			}, nil
		},
	}
	s, err := NewRoundSource(backend, testAddress)
	require.NoError(t, err)

	t.Run("found", func(t *testing.T) {
		epoch, found, err := s.FindRoundStart(context.Background(), 120, 200)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, uint64(940), epoch)
		assert.Equal(t, int64(800), query.FromBlock.Int64())
		assert.Equal(t, int64(1_000), query.ToBlock.Int64())
	})

	t.Run("not found", func(t *testing.T) {
		_, found, err := s.FindRoundStart(context.Background(), 121, 200)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("window larger than the chain", func(t *testing.T) {
		_, _, err := s.FindRoundStart(context.Background(), 120, 5_000)
		require.NoError(t, err)
		assert.Equal(t, int64(0), query.FromBlock.Int64())
	})
}

func TestSubscribeRoundStart(t *testing.T) {
	backend := &mockBackend{logs: make(chan types.Log)}
	s, err := NewRoundSource(backend, testAddress)
	require.NoError(t, err)

	ch := make(chan tracker.RoundStart, 1)
	sub, err := s.SubscribeRoundStart(context.Background(), ch)
	require.NoError(t, err)

	removed := roundStartLog(t, 7, 60)
	removed.Removed = true
	backend.logs <- removed
	backend.logs <- roundStartLog(t, 8, 70)

	select {
	case n := <-ch:
		assert.Equal(t, tracker.RoundStart{RoundIndex: 8, BlockNumber: 70}, n)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	sub.Unsubscribe()
	_, open := <-sub.Err()
	assert.False(t, open)
}
