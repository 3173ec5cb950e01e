// Package ethereum tracks gold-token balances and transfers on an EVM
// chain over JSON-RPC. The adapter is strictly read-only: it never signs,
// never holds keys, and never moves funds.
package ethereum

import (
	"context"
	"errors"
	"math/big"
	"regexp"
	"sync"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/goldroute/goldroute/internal/errs"
	"github.com/goldroute/goldroute/internal/venue"
)

var (
	addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	txHashRe  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// RPC is the node seam. *ethclient.Client satisfies it; tests substitute
// deterministic fakes.
type RPC interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, call geth.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q geth.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config shapes one chain venue.
type Config struct {
	VenueID     string        `yaml:"venue_id"`
	DisplayName string        `yaml:"display_name"`
	RPCURL      string        `yaml:"rpc_url"`
	ScanWindow  uint64        `yaml:"scan_window"`  // max blocks per transfer scan
	BlockTime   time.Duration `yaml:"block_time"`   // expected cadence of new blocks
	Threshold   uint64        `yaml:"confirmation_threshold"`
	StaleBlocks uint64        `yaml:"stale_blocks"` // lag before the node counts as stale
}

func (c Config) withDefaults() Config {
	if c.VenueID == "" {
		c.VenueID = "ethereum"
	}
	if c.DisplayName == "" {
		c.DisplayName = "Ethereum"
	}
	if c.ScanWindow == 0 {
		c.ScanWindow = 1000
	}
	if c.BlockTime <= 0 {
		c.BlockTime = 12 * time.Second
	}
	if c.Threshold == 0 {
		c.Threshold = 12
	}
	if c.StaleBlocks == 0 {
		c.StaleBlocks = 100
	}
	return c
}

// Adapter implements venue.Chain.
type Adapter struct {
	cfg Config
	rpc RPC
	log zerolog.Logger

	mu        sync.Mutex
	threshold uint64
	lastSeen  map[string]uint64 // address|token -> last scanned block
	tokens    map[common.Address]tokenInfo
	lastHead  uint64
	lastAt    time.Time
}

// New builds an adapter over an existing RPC connection.
func New(cfg Config, rpc RPC, log zerolog.Logger) *Adapter {
	cfg = cfg.withDefaults()
	return &Adapter{
		cfg:       cfg,
		rpc:       rpc,
		log:       log.With().Str("component", "chain").Str("venue", cfg.VenueID).Logger(),
		threshold: cfg.Threshold,
		lastSeen:  make(map[string]uint64),
		tokens:    make(map[common.Address]tokenInfo),
	}
}

// Dial connects to the configured endpoint and builds an adapter over it.
func Dial(ctx context.Context, cfg Config, log zerolog.Logger) (*Adapter, error) {
	cfg = cfg.withDefaults()
	if cfg.RPCURL == "" {
		return nil, errs.New(errs.CodeValidation, "chain venue requires an rpc url")
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errs.Wrap(errs.CodeNetwork, "dial rpc endpoint", err)
	}
	return New(cfg, client, log), nil
}

func (a *Adapter) Info() venue.Info {
	return venue.Info{
		ID:           a.cfg.VenueID,
		Kind:         venue.KindOnChain,
		DisplayName:  a.cfg.DisplayName,
		Capabilities: []venue.Capability{venue.CapBalances, venue.CapTransfers},
	}
}

// Authenticate needs no credentials for a read-only chain venue; it proves
// the endpoint answers.
func (a *Adapter) Authenticate(ctx context.Context, _ venue.Credentials) error {
	if _, err := a.rpc.BlockNumber(ctx); err != nil {
		return errs.Wrap(errs.CodeNetwork, "rpc endpoint unreachable", err)
	}
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	return nil
}

// HealthCheck reports offline for an unsynced node and degraded when the
// head has fallen well behind where the block cadence says it should be.
func (a *Adapter) HealthCheck(ctx context.Context) (venue.Status, error) {
	head, err := a.rpc.BlockNumber(ctx)
	if err != nil {
		return venue.StatusOffline, errs.Wrap(errs.CodeNetwork, "block number query failed", err)
	}
	if head == 0 {
		return venue.StatusOffline, errs.New(errs.CodeVenue, "node reports empty chain")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	status := venue.StatusHealthy
	if !a.lastAt.IsZero() {
		expected := a.lastHead + uint64(now.Sub(a.lastAt)/a.cfg.BlockTime)
		if expected > head && expected-head > a.cfg.StaleBlocks {
			status = venue.StatusDegraded
		}
	}
	if head > a.lastHead {
		a.lastHead = head
		a.lastAt = now
	}
	return status, nil
}

// SetConfirmationThreshold applies to subsequent confirmation queries.
func (a *Adapter) SetConfirmationThreshold(n uint64) error {
	if n < 1 {
		return errs.New(errs.CodeValidation, "confirmation threshold must be at least 1")
	}
	a.mu.Lock()
	a.threshold = n
	a.mu.Unlock()
	a.log.Info().Uint64("threshold", n).Msg("confirmation threshold updated")
	return nil
}

func (a *Adapter) currentThreshold() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.threshold
}

// GetBalance reads balanceOf(holder) on the token contract and scales the
// raw amount by the token's decimals.
func (a *Adapter) GetBalance(ctx context.Context, address, tokenContract string) (venue.Holding, error) {
	if !addressRe.MatchString(address) {
		return venue.Holding{}, errs.Newf(errs.CodeValidation, "malformed address %q", address)
	}
	if !addressRe.MatchString(tokenContract) {
		return venue.Holding{}, errs.Newf(errs.CodeValidation, "malformed token contract %q", tokenContract)
	}
	holder := common.HexToAddress(address)
	token := common.HexToAddress(tokenContract)

	info, err := a.tokenMetadata(ctx, token)
	if err != nil {
		return venue.Holding{}, err
	}
	native, err := a.balanceOf(ctx, token, holder, info.Decimals)
	if err != nil {
		return venue.Holding{}, err
	}
	return venue.Holding{
		VenueID:   a.cfg.VenueID,
		Symbol:    info.Symbol,
		Native:    native,
		SampledAt: time.Now().UTC(),
	}, nil
}

// TrackTransfers scans Transfer logs touching the address, in either
// direction, from max(last scanned, head-window) through the current head.
func (a *Adapter) TrackTransfers(ctx context.Context, address, tokenContract string) ([]venue.Transfer, error) {
	if !addressRe.MatchString(address) {
		return nil, errs.Newf(errs.CodeValidation, "malformed address %q", address)
	}
	if !addressRe.MatchString(tokenContract) {
		return nil, errs.Newf(errs.CodeValidation, "malformed token contract %q", tokenContract)
	}
	holder := common.HexToAddress(address)
	token := common.HexToAddress(tokenContract)

	head, err := a.rpc.BlockNumber(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.CodeNetwork, "block number query failed", err)
	}
	info, err := a.tokenMetadata(ctx, token)
	if err != nil {
		return nil, err
	}

	key := address + "|" + tokenContract
	from := uint64(0)
	if head > a.cfg.ScanWindow {
		from = head - a.cfg.ScanWindow
	}
	a.mu.Lock()
	if seen := a.lastSeen[key]; seen > from {
		from = seen
	}
	a.mu.Unlock()

	logs, err := a.transferLogs(ctx, token, holder, from, head)
	if err != nil {
		return nil, err
	}

	transfers := make([]venue.Transfer, 0, len(logs))
	for _, lg := range logs {
		tr, err := decodeTransfer(lg, info)
		if err != nil {
			return nil, err
		}
		if head >= tr.Block {
			tr.Confirmations = head - tr.Block + 1
		}
		transfers = append(transfers, tr)
	}

	a.mu.Lock()
	a.lastSeen[key] = head
	a.mu.Unlock()
	a.log.Debug().
		Uint64("from", from).
		Uint64("to", head).
		Int("transfers", len(transfers)).
		Msg("transfer scan complete")
	return transfers, nil
}

// GetConfirmationStatus measures a mined transaction against the current
// threshold.
func (a *Adapter) GetConfirmationStatus(ctx context.Context, txHash string) (venue.ConfirmationStatus, error) {
	if !txHashRe.MatchString(txHash) {
		return venue.ConfirmationStatus{}, errs.Newf(errs.CodeValidation, "malformed transaction hash %q", txHash)
	}
	receipt, err := a.rpc.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, geth.NotFound) {
			return venue.ConfirmationStatus{}, errs.Newf(errs.CodeNotFound, "transaction %s not found", txHash)
		}
		return venue.ConfirmationStatus{}, errs.Wrap(errs.CodeNetwork, "receipt query failed", err)
	}
	head, err := a.rpc.BlockNumber(ctx)
	if err != nil {
		return venue.ConfirmationStatus{}, errs.Wrap(errs.CodeNetwork, "block number query failed", err)
	}

	var confs uint64
	mined := receipt.BlockNumber.Uint64()
	if head >= mined {
		confs = head - mined + 1
	}
	required := a.currentThreshold()
	return venue.ConfirmationStatus{
		Confirmations: confs,
		Required:      required,
		IsConfirmed:   confs >= required,
	}, nil
}
