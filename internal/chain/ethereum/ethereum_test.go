package ethereum

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goldroute/goldroute/internal/errs"
	"github.com/goldroute/goldroute/internal/venue"
)

var (
	xautContract = common.HexToAddress("0x68749665FF8D2d112Fa859AA293F07A622782F38")
	holderAddr   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	otherAddr    = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type fakeRPC struct {
	head     uint64
	headErr  error
	symbols  map[common.Address]string
	decimals map[common.Address]uint8
	balances map[common.Address]*big.Int
	logs     []types.Log
	receipts map[common.Hash]*types.Receipt

	callCount   int
	filterCount int
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		head:     100,
		symbols:  map[common.Address]string{xautContract: "XAUt"},
		decimals: map[common.Address]uint8{xautContract: 6},
		balances: map[common.Address]*big.Int{holderAddr: big.NewInt(101500000)},
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeRPC) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, f.headErr
}

func (f *fakeRPC) CallContract(ctx context.Context, call geth.CallMsg, _ *big.Int) ([]byte, error) {
	f.callCount++
	if _, known := f.symbols[*call.To]; !known {
		return nil, nil // no contract code at this address
	}
	switch {
	case bytes.HasPrefix(call.Data, selSymbol):
		return encodeABIString(f.symbols[*call.To]), nil
	case bytes.HasPrefix(call.Data, selDecimals):
		out := make([]byte, 32)
		out[31] = f.decimals[*call.To]
		return out, nil
	case bytes.HasPrefix(call.Data, selBalanceOf):
		holder := common.BytesToAddress(call.Data[4:36])
		raw := f.balances[holder]
		if raw == nil {
			raw = big.NewInt(0)
		}
		return common.LeftPadBytes(raw.Bytes(), 32), nil
	}
	return nil, fmt.Errorf("unexpected selector %x", call.Data[:4])
}

func (f *fakeRPC) FilterLogs(ctx context.Context, q geth.FilterQuery) ([]types.Log, error) {
	f.filterCount++
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber < q.FromBlock.Uint64() || lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if !topicMatches(q.Topics, 1, lg) || !topicMatches(q.Topics, 2, lg) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func topicMatches(topics [][]common.Hash, pos int, lg types.Log) bool {
	if pos >= len(topics) || topics[pos] == nil {
		return true
	}
	return lg.Topics[pos] == topics[pos][0]
}

func (f *fakeRPC) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, geth.NotFound
	}
	return r, nil
}

// encodeABIString builds the standard dynamic-string return encoding.
func encodeABIString(s string) []byte {
	out := make([]byte, 64, 64+32)
	out[31] = 32
	out[63] = byte(len(s))
	padded := make([]byte, 32)
	copy(padded, s)
	return append(out, padded...)
}

func transferLog(from, to common.Address, amount int64, block uint64, idx uint, tx byte) types.Log {
	return types.Log{
		Address: xautContract,
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
		BlockNumber: block,
		TxHash:      common.HexToHash(fmt.Sprintf("0x%064x", tx)),
		Index:       idx,
	}
}

func newTestAdapter(rpc RPC) *Adapter {
	return New(Config{ScanWindow: 1000, Threshold: 12}, rpc, zerolog.Nop())
}

func TestGetBalanceScalesByDecimals(t *testing.T) {
	rpc := newFakeRPC()
	a := newTestAdapter(rpc)

	h, err := a.GetBalance(context.Background(), holderAddr.Hex(), xautContract.Hex())
	require.NoError(t, err)
	assert.Equal(t, "ethereum", h.VenueID)
	assert.Equal(t, "XAUt", h.Symbol)
	assert.True(t, h.Native.Equal(decimal.RequireFromString("101.5")), "got %s", h.Native)
}

func TestTokenMetadataCachedAfterFirstRead(t *testing.T) {
	rpc := newFakeRPC()
	a := newTestAdapter(rpc)

	_, err := a.GetBalance(context.Background(), holderAddr.Hex(), xautContract.Hex())
	require.NoError(t, err)
	after := rpc.callCount // symbol + decimals + balanceOf

	_, err = a.GetBalance(context.Background(), holderAddr.Hex(), xautContract.Hex())
	require.NoError(t, err)
	assert.Equal(t, after+1, rpc.callCount, "second read should only issue balanceOf")
}

func TestValidationHappensBeforeAnyRPC(t *testing.T) {
	rpc := newFakeRPC()
	a := newTestAdapter(rpc)

	cases := []struct {
		name string
		call func() error
	}{
		{"balance bad holder", func() error {
			_, err := a.GetBalance(context.Background(), "0xnothex", xautContract.Hex())
			return err
		}},
		{"balance bad contract", func() error {
			_, err := a.GetBalance(context.Background(), holderAddr.Hex(), "0x1234")
			return err
		}},
		{"transfers bad holder", func() error {
			_, err := a.TrackTransfers(context.Background(), "1111111111111111111111111111111111111111", xautContract.Hex())
			return err
		}},
		{"confirmation bad hash", func() error {
			_, err := a.GetConfirmationStatus(context.Background(), "0xshort")
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			require.Error(t, err)
			assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
			assert.False(t, errs.IsRetryable(err))
		})
	}
	assert.Zero(t, rpc.callCount, "validation must precede contract calls")
	assert.Zero(t, rpc.filterCount, "validation must precede log scans")
}

func TestUnknownContractIsInvalidSymbol(t *testing.T) {
	rpc := newFakeRPC()
	a := newTestAdapter(rpc)

	_, err := a.GetBalance(context.Background(), holderAddr.Hex(), otherAddr.Hex())
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidSymbol, errs.CodeOf(err))
}

func TestTrackTransfersMergesBothDirections(t *testing.T) {
	rpc := newFakeRPC()
	rpc.logs = []types.Log{
		transferLog(otherAddr, holderAddr, 5000000, 98, 0, 0xa1),  // incoming
		transferLog(holderAddr, otherAddr, 2000000, 99, 0, 0xa2),  // outgoing
		transferLog(holderAddr, holderAddr, 1000000, 97, 0, 0xa3), // self, seen by both scans
	}
	a := newTestAdapter(rpc)

	transfers, err := a.TrackTransfers(context.Background(), holderAddr.Hex(), xautContract.Hex())
	require.NoError(t, err)
	require.Len(t, transfers, 3, "self transfer must not be duplicated")

	// Ordered by block.
	assert.Equal(t, uint64(97), transfers[0].Block)
	assert.Equal(t, uint64(98), transfers[1].Block)
	assert.Equal(t, uint64(99), transfers[2].Block)

	in := transfers[1]
	assert.Equal(t, otherAddr.Hex(), in.From)
	assert.Equal(t, holderAddr.Hex(), in.To)
	assert.True(t, in.Amount.Equal(decimal.RequireFromString("5")))
	assert.Equal(t, "XAUt", in.Token)
	assert.Equal(t, uint64(100-98+1), in.Confirmations)
}

func TestTrackTransfersAdvancesScanWindow(t *testing.T) {
	rpc := newFakeRPC()
	rpc.logs = []types.Log{transferLog(otherAddr, holderAddr, 5000000, 98, 0, 0xb1)}
	a := newTestAdapter(rpc)

	first, err := a.TrackTransfers(context.Background(), holderAddr.Hex(), xautContract.Hex())
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Nothing new: the next scan starts at the previous head, so the old
	// transfer at block 98 is out of range.
	rpc.head = 120
	second, err := a.TrackTransfers(context.Background(), holderAddr.Hex(), xautContract.Hex())
	require.NoError(t, err)
	assert.Empty(t, second)

	rpc.logs = append(rpc.logs, transferLog(otherAddr, holderAddr, 3000000, 125, 0, 0xb2))
	rpc.head = 130
	third, err := a.TrackTransfers(context.Background(), holderAddr.Hex(), xautContract.Hex())
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, uint64(125), third[0].Block)
}

func TestConfirmationStatusAgainstThreshold(t *testing.T) {
	rpc := newFakeRPC()
	tx := common.HexToHash(fmt.Sprintf("0x%064x", 0xc1))
	rpc.receipts[tx] = &types.Receipt{BlockNumber: big.NewInt(90)}
	a := newTestAdapter(rpc)

	st, err := a.GetConfirmationStatus(context.Background(), tx.Hex())
	require.NoError(t, err)
	assert.Equal(t, uint64(11), st.Confirmations) // 100 - 90 + 1
	assert.Equal(t, uint64(12), st.Required)
	assert.False(t, st.IsConfirmed)

	require.NoError(t, a.SetConfirmationThreshold(6))
	st, err = a.GetConfirmationStatus(context.Background(), tx.Hex())
	require.NoError(t, err)
	assert.Equal(t, uint64(6), st.Required)
	assert.True(t, st.IsConfirmed)
}

func TestConfirmationThresholdRejectsZero(t *testing.T) {
	a := newTestAdapter(newFakeRPC())
	err := a.SetConfirmationThreshold(0)
	require.Error(t, err)
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
}

func TestConfirmationStatusUnknownTx(t *testing.T) {
	a := newTestAdapter(newFakeRPC())
	_, err := a.GetConfirmationStatus(context.Background(), fmt.Sprintf("0x%064x", 0xdd))
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestConfirmationsNeverNegative(t *testing.T) {
	rpc := newFakeRPC()
	tx := common.HexToHash(fmt.Sprintf("0x%064x", 0xc2))
	// Receipt ahead of our view of the head, as seen across a lagging node.
	rpc.receipts[tx] = &types.Receipt{BlockNumber: big.NewInt(105)}
	a := newTestAdapter(rpc)

	st, err := a.GetConfirmationStatus(context.Background(), tx.Hex())
	require.NoError(t, err)
	assert.Zero(t, st.Confirmations)
	assert.False(t, st.IsConfirmed)
}

func TestHealthCheckStates(t *testing.T) {
	rpc := newFakeRPC()
	a := newTestAdapter(rpc)

	st, err := a.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, venue.StatusHealthy, st)

	// Unsynced node.
	rpc.head = 0
	_, err = a.HealthCheck(context.Background())
	require.Error(t, err)

	// Head stalled long enough that the expected head ran far ahead.
	rpc.head = 100
	a.mu.Lock()
	a.lastHead = 100
	a.lastAt = time.Now().Add(-30 * time.Minute)
	a.mu.Unlock()
	st, err = a.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, venue.StatusDegraded, st)
}

func TestAuthenticateProbesEndpoint(t *testing.T) {
	rpc := newFakeRPC()
	a := newTestAdapter(rpc)
	require.NoError(t, a.Authenticate(context.Background(), venue.Credentials{}))

	rpc.headErr = fmt.Errorf("connection refused")
	err := a.Authenticate(context.Background(), venue.Credentials{})
	require.Error(t, err)
	assert.Equal(t, errs.CodeNetwork, errs.CodeOf(err))
	assert.True(t, errs.IsRetryable(err))
}

func TestDecodeStringLegacyBytes32(t *testing.T) {
	raw := make([]byte, 32)
	copy(raw, "KAU")
	s, err := decodeString(raw)
	require.NoError(t, err)
	assert.Equal(t, "KAU", s)
}
