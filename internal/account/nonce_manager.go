package account

import (
	"context"
	"math/big"
	"sync"

	"github.com/scroll-tech/go-ethereum/common"
	"github.com/scroll-tech/go-ethereum/log"
)

// NonceManager hands out EntryPoint nonces for one account. The next nonce is
// max(on-chain nonce, locally reserved nonce + 1), skipping any nonce still held
// by an unreleased reservation, taken under a lock so that concurrent
// reservations never return the same value.
type NonceManager struct {
	sender common.Address

	mu      sync.Mutex
	next    *big.Int
	pending map[string]*big.Int
}

// NewNonceManager creates a NonceManager for sender.
func NewNonceManager(sender common.Address) *NonceManager {
	return &NonceManager{sender: sender, pending: make(map[string]*big.Int)}
}

// Reserve returns a nonce no other caller holds and advances the local counter.
func (m *NonceManager) Reserve(ctx context.Context, onChain func(context.Context, common.Address) (*big.Int, error)) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chainNonce, err := onChain(ctx, m.sender)
	if err != nil {
		return nil, err
	}

	// nonces below the chain nonce have been consumed
	for k, n := range m.pending {
		if n.Cmp(chainNonce) < 0 {
			delete(m.pending, k)
		}
	}

	nonce := new(big.Int).Set(chainNonce)
	if m.next != nil && m.next.Cmp(chainNonce) > 0 {
		nonce.Set(m.next)
	}
	for m.pending[nonce.String()] != nil {
		nonce.Add(nonce, big.NewInt(1))
	}
	m.pending[nonce.String()] = new(big.Int).Set(nonce)
	m.next = new(big.Int).Add(nonce, big.NewInt(1))

	log.Debug("Nonce reserved", "sender", m.sender.Hex(), "nonce", nonce, "onChain", chainNonce, "inFlight", len(m.pending))
	return nonce, nil
}

// Release gives nonce back. The counter only rolls back when nonce is the most
// recently reserved one; an earlier gap is refilled after Reset.
func (m *NonceManager) Release(nonce *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if nonce == nil {
		return
	}
	delete(m.pending, nonce.String())
	if m.next != nil && new(big.Int).Add(nonce, big.NewInt(1)).Cmp(m.next) == 0 {
		m.next = new(big.Int).Set(nonce)
		log.Debug("Nonce released", "sender", m.sender.Hex(), "nonce", nonce)
	}
}

// Reset drops the local counter so the next reservation takes the lowest nonce
// at or above the chain nonce that no reservation still holds.
func (m *NonceManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next = nil
	log.Debug("Nonce cache reset", "sender", m.sender.Hex(), "inFlight", len(m.pending))
}
