package ledger

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sealKeyInfo = "sentinel/ledger/seal/v1"

var ErrBadSignature = errors.New("seal signature invalid")

// SessionKey derives the per-session ed25519 seal key from the operator
// seed. The same seed and session id always yield the same key.
func SessionKey(seed []byte, sessionID string) (ed25519.PrivateKey, error) {
	if len(seed) == 0 {
		return nil, errors.New("signing seed is empty")
	}
	r := hkdf.New(sha256.New, seed, []byte(sessionID), []byte(sealKeyInfo))
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, keySeed); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return ed25519.NewKeyFromSeed(keySeed), nil
}

func sealMessage(sessionID, head string) []byte {
	return []byte(sealKeyInfo + "\n" + sessionID + "\n" + head)
}

func signSeal(seed []byte, sessionID, head string) (sig, pub string, err error) {
	key, err := SessionKey(seed, sessionID)
	if err != nil {
		return "", "", err
	}
	s := ed25519.Sign(key, sealMessage(sessionID, head))
	return hex.EncodeToString(s), hex.EncodeToString(key.Public().(ed25519.PublicKey)), nil
}

// verifySeal checks a seal signature. When seed is non-empty the embedded
// public key must also match the key derived from it.
func verifySeal(seed []byte, sessionID, head, sigHex, pubHex string) error {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: signature encoding: %v", ErrBadSignature, err)
	}
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key encoding", ErrBadSignature)
	}
	if len(seed) > 0 {
		key, err := SessionKey(seed, sessionID)
		if err != nil {
			return err
		}
		if !key.Public().(ed25519.PublicKey).Equal(ed25519.PublicKey(pub)) {
			return fmt.Errorf("%w: public key does not match session key", ErrBadSignature)
		}
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), sealMessage(sessionID, head), sig) {
		return ErrBadSignature
	}
	return nil
}
