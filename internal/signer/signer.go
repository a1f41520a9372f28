// Package signer provides the domain.Signer implementations: a local
// secp256k1 key and a placeholder that refuses to sign.
package signer

import (
	"context"
	"encoding/hex"

	"github.com/Shugur-Network/relaymux/internal/config"
	"github.com/Shugur-Network/relaymux/internal/domain"
	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	nostr "github.com/nbd-wtf/go-nostr"
)

// KeySigner signs with a secret key held in memory.
type KeySigner struct {
	secret string
	pubkey string
}

var _ domain.Signer = (*KeySigner)(nil)

// NewKeySigner parses a 32-byte hex secret key and derives its x-only
// public key.
func NewKeySigner(secretHex string) (*KeySigner, error) {
	raw, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, apperrors.SignError("secret key is not hex", err)
	}
	if len(raw) != 32 {
		return nil, apperrors.SignError("secret key must be 32 bytes", nil)
	}
	_, pub := btcec.PrivKeyFromBytes(raw)
	return &KeySigner{
		secret: secretHex,
		pubkey: hex.EncodeToString(schnorr.SerializePubKey(pub)),
	}, nil
}

// Generate returns a signer for a fresh random key.
func Generate() (*KeySigner, error) {
	return NewKeySigner(nostr.GeneratePrivateKey())
}

func (s *KeySigner) PublicKey(context.Context) (string, error) { return s.pubkey, nil }

// Sign fills in PubKey, ID and Sig. An event already carrying another
// author's pubkey is refused.
func (s *KeySigner) Sign(_ context.Context, ev *nostr.Event) error {
	if ev.PubKey != "" && ev.PubKey != s.pubkey {
		return apperrors.SignError("event belongs to another key", nil)
	}
	if err := ev.Sign(s.secret); err != nil {
		return apperrors.SignError("schnorr signing failed", err)
	}
	return nil
}

// None is the signer used when no key is configured.
type None struct{}

var _ domain.Signer = None{}

func (None) PublicKey(context.Context) (string, error) {
	return "", apperrors.SignError("no signer configured", apperrors.ErrNoSigner)
}

func (None) Sign(context.Context, *nostr.Event) error {
	return apperrors.SignError("no signer configured", apperrors.ErrNoSigner)
}

// FromConfig picks the signer described by cfg: an inline secret key
// first, then a key file (created on first use), then None.
func FromConfig(cfg config.SignerConfig) (domain.Signer, error) {
	switch {
	case cfg.SecretKey != "":
		return NewKeySigner(cfg.SecretKey)
	case cfg.KeyFile != "":
		secret, err := LoadOrCreateKeyFile(cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		return NewKeySigner(secret)
	default:
		return None{}, nil
	}
}
