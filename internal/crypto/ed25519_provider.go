// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package crypto

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/luxfi/ids"
	"golang.org/x/crypto/blake2b"

	"github.com/luxfi/ledgercore/internal/ledgererr"
)

// Ed25519Provider is the default Crypto Port implementation: ed25519
// signatures (the standard library's crypto/ed25519, following the
// classical-curve texture of the rubin-protocol client's crypto package)
// and blake2b-256 hashing (golang.org/x/crypto/blake2b). It resolves peer identities through a Registry of public keys
// rather than owning the cluster membership itself.
type Ed25519Provider struct {
	self ids.NodeID
	priv ed25519.PrivateKey
	reg  *Registry
}

// Registry maps validator identities to their public keys. It is
// populated by NewEd25519Provider, which registers each new provider's
// own public key, and is safe for concurrent reads/writes.
type Registry struct {
	mu   sync.RWMutex
	keys map[ids.NodeID]ed25519.PublicKey
}

func NewRegistry() *Registry {
	return &Registry{keys: make(map[ids.NodeID]ed25519.PublicKey)}
}

func (r *Registry) Put(id ids.NodeID, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[id] = pub
}

func (r *Registry) Get(id ids.NodeID) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.keys[id]
	return pub, ok
}

// NewEd25519Provider generates a fresh keypair for self and registers it
// in reg, returning the provider ready to sign and verify.
func NewEd25519Provider(self ids.NodeID, reg *Registry) (*Ed25519Provider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	reg.Put(self, pub)
	return &Ed25519Provider{self: self, priv: priv, reg: reg}, nil
}

func (p *Ed25519Provider) NodeID() ids.NodeID { return p.self }

func (p *Ed25519Provider) Sign(_ context.Context, msg []byte) ([]byte, error) {
	return ed25519.Sign(p.priv, msg), nil
}

func (p *Ed25519Provider) Verify(_ context.Context, id ids.NodeID, msg []byte, sig []byte) error {
	pub, ok := p.reg.Get(id)
	if !ok {
		return ledgererr.New(ledgererr.KindNotFound, "unknown signer identity")
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(pub, msg, sig) {
		return ledgererr.New(ledgererr.KindInvalidSignature, "signature verification failed")
	}
	return nil
}

func (p *Ed25519Provider) Hash(data []byte) ids.ID {
	sum := blake2b.Sum256(data)
	return ids.ID(sum)
}

func (p *Ed25519Provider) AggregateVerify(ctx context.Context, voters []ids.NodeID, msg []byte, sigs [][]byte) error {
	if len(voters) != len(sigs) {
		return ledgererr.New(ledgererr.KindInvalidInput, "aggregate_verify: ids/sigs length mismatch")
	}
	for i, id := range voters {
		if err := p.Verify(ctx, id, msg, sigs[i]); err != nil {
			return ledgererr.Wrap(ledgererr.KindInvalidSignature, fmt.Sprintf("aggregate_verify: signer %s", id), err)
		}
	}
	return nil
}
