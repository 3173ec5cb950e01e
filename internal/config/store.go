package config

import (
	"sync/atomic"

	"github.com/goldroute/goldroute/internal/portfolio"
)

// Store publishes the active configuration. Current returns an immutable
// snapshot; derivations build a deep copy and swap it in, so a reader
// holding an old pointer keeps a consistent view.
type Store struct {
	v atomic.Pointer[Config]
}

func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.v.Store(cfg)
	return s
}

// Current returns the active config. Callers must not mutate it.
func (s *Store) Current() *Config { return s.v.Load() }

// SetChainThreshold derives a copy with every chain's confirmation
// threshold replaced and publishes it. Returns the published copy.
func (s *Store) SetChainThreshold(n uint64) *Config {
	for {
		cur := s.v.Load()
		next := cur.clone()
		for i := range next.Chains {
			next.Chains[i].Ethereum.Threshold = n
		}
		if s.v.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// clone deep-copies the config so a derived copy shares nothing mutable
// with its parent.
func (c *Config) clone() *Config {
	out := *c
	out.Server.Tokens = append([]string(nil), c.Server.Tokens...)
	out.Portfolio.Symbols = append([]string(nil), c.Portfolio.Symbols...)
	out.Portfolio.Watches = append([]portfolio.Watch(nil), c.Portfolio.Watches...)
	out.Exchanges = make([]ExchangeConfig, len(c.Exchanges))
	for i, ex := range c.Exchanges {
		ex.Bitfinex.Pairs = append([]string(nil), ex.Bitfinex.Pairs...)
		ex.Credentials.Permissions = append([]string(nil), ex.Credentials.Permissions...)
		out.Exchanges[i] = ex
	}
	out.Chains = append([]ChainConfig(nil), c.Chains...)
	return &out
}
