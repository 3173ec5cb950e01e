package ethereum

import (
	"bytes"
	"context"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/goldroute/goldroute/internal/errs"
	"github.com/goldroute/goldroute/internal/venue"
)

// ERC-20 function selectors, first four bytes of the keccak'd signatures.
var (
	selBalanceOf = []byte{0x70, 0xa0, 0x82, 0x31} // balanceOf(address)
	selDecimals  = []byte{0x31, 0x3c, 0xe5, 0x67} // decimals()
	selSymbol    = []byte{0x95, 0xd8, 0x9b, 0x41} // symbol()
)

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// tokenInfo is immutable contract metadata, fetched once per contract.
type tokenInfo struct {
	Symbol   string
	Decimals int32
}

// tokenMetadata returns cached metadata or reads symbol() and decimals()
// from the contract.
func (a *Adapter) tokenMetadata(ctx context.Context, token common.Address) (tokenInfo, error) {
	a.mu.Lock()
	info, ok := a.tokens[token]
	a.mu.Unlock()
	if ok {
		return info, nil
	}

	symRaw, err := a.call(ctx, token, selSymbol)
	if err != nil {
		return tokenInfo{}, err
	}
	symbol, err := decodeString(symRaw)
	if err != nil {
		return tokenInfo{}, errs.Wrap(errs.CodeVenue, "decode token symbol", err)
	}
	decRaw, err := a.call(ctx, token, selDecimals)
	if err != nil {
		return tokenInfo{}, err
	}
	decimals, err := decodeUint8(decRaw)
	if err != nil {
		return tokenInfo{}, errs.Wrap(errs.CodeVenue, "decode token decimals", err)
	}

	info = tokenInfo{Symbol: symbol, Decimals: int32(decimals)}
	a.mu.Lock()
	a.tokens[token] = info
	a.mu.Unlock()
	a.log.Debug().
		Str("contract", token.Hex()).
		Str("symbol", info.Symbol).
		Int32("decimals", info.Decimals).
		Msg("token metadata cached")
	return info, nil
}

func (a *Adapter) balanceOf(ctx context.Context, token, holder common.Address, decimals int32) (decimal.Decimal, error) {
	data := make([]byte, 0, 36)
	data = append(data, selBalanceOf...)
	data = append(data, common.LeftPadBytes(holder.Bytes(), 32)...)
	ret, err := a.call(ctx, token, data)
	if err != nil {
		return decimal.Zero, err
	}
	if len(ret) < 32 {
		return decimal.Zero, errs.New(errs.CodeVenue, "short balanceOf response")
	}
	raw := new(big.Int).SetBytes(ret[:32])
	return decimal.NewFromBigInt(raw, -decimals), nil
}

// call performs a read-only eth_call against the contract. An empty return
// means the address carries no code implementing the method, which for our
// purposes is not a token.
func (a *Adapter) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	ret, err := a.rpc.CallContract(ctx, geth.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "revert") {
			return nil, errs.Newf(errs.CodeInvalidSymbol, "contract %s reverted the call", to.Hex())
		}
		return nil, errs.Wrap(errs.CodeNetwork, "contract call failed", err)
	}
	if len(ret) == 0 {
		return nil, errs.Newf(errs.CodeInvalidSymbol, "no contract code answering at %s", to.Hex())
	}
	return ret, nil
}

// transferLogs fetches Transfer events touching the holder in either
// direction over [from, to].
func (a *Adapter) transferLogs(ctx context.Context, token, holder common.Address, from, to uint64) ([]types.Log, error) {
	holderTopic := common.BytesToHash(holder.Bytes())
	queries := []geth.FilterQuery{
		{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{token},
			Topics:    [][]common.Hash{{transferTopic}, {holderTopic}},
		},
		{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{token},
			Topics:    [][]common.Hash{{transferTopic}, nil, {holderTopic}},
		},
	}

	seen := make(map[string]bool)
	var merged []types.Log
	for _, q := range queries {
		logs, err := a.rpc.FilterLogs(ctx, q)
		if err != nil {
			return nil, errs.Wrap(errs.CodeNetwork, "log scan failed", err)
		}
		for _, lg := range logs {
			key := lg.TxHash.Hex() + "#" + strconv.Itoa(int(lg.Index))
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, lg)
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].BlockNumber != merged[j].BlockNumber {
			return merged[i].BlockNumber < merged[j].BlockNumber
		}
		return merged[i].Index < merged[j].Index
	})
	return merged, nil
}

func decodeTransfer(lg types.Log, info tokenInfo) (venue.Transfer, error) {
	if len(lg.Topics) < 3 {
		return venue.Transfer{}, errs.New(errs.CodeVenue, "malformed transfer log")
	}
	amount := new(big.Int).SetBytes(lg.Data)
	return venue.Transfer{
		TxHash:     lg.TxHash.Hex(),
		Block:      lg.BlockNumber,
		From:       common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		To:         common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		Amount:     decimal.NewFromBigInt(amount, -info.Decimals),
		Token:      info.Symbol,
		ObservedAt: time.Now().UTC(),
	}, nil
}

// decodeString handles the standard dynamic-string ABI return and the
// legacy bytes32 form some older token contracts use.
func decodeString(ret []byte) (string, error) {
	if len(ret) == 32 {
		return string(bytes.TrimRight(ret, "\x00")), nil
	}
	if len(ret) < 64 {
		return "", errs.New(errs.CodeVenue, "short string response")
	}
	offset := new(big.Int).SetBytes(ret[:32]).Uint64()
	if offset+32 > uint64(len(ret)) {
		return "", errs.New(errs.CodeVenue, "string offset out of range")
	}
	length := new(big.Int).SetBytes(ret[offset : offset+32]).Uint64()
	if offset+32+length > uint64(len(ret)) {
		return "", errs.New(errs.CodeVenue, "string length out of range")
	}
	return string(ret[offset+32 : offset+32+length]), nil
}

func decodeUint8(ret []byte) (uint8, error) {
	if len(ret) < 32 {
		return 0, errs.New(errs.CodeVenue, "short uint response")
	}
	return uint8(ret[31]), nil
}
