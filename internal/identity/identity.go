package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

const (
	claimLabel = "liarslie:v1:claim|"
	killLabel  = "liarslie:v1:kill|"
)

// KeyPair holds an agent's Ed25519 signing keys. The private key never
// leaves the owning process; only Pub is published through the roster.
type KeyPair struct {
	Pub  ed25519.PublicKey
	Priv ed25519.PrivateKey
}

func Generate() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Pub: pub, Priv: priv}, nil
}

func (k KeyPair) PubHex() string {
	return hex.EncodeToString(k.Pub)
}

func ParsePubKey(pubHex string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("bad pubkey hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("bad pubkey size")
	}
	return ed25519.PublicKey(raw), nil
}

func ParseSig(sigHex string) ([]byte, error) {
	raw, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("bad sig hex: %w", err)
	}
	if len(raw) != ed25519.SignatureSize {
		return nil, errors.New("bad sig size")
	}
	return raw, nil
}

// Claim is an agent's signed statement of its value. Immutable once
// produced; relays forward it byte for byte.
type Claim struct {
	AgentID uint64
	Value   uint64
	Sig     []byte
}

// claimDigest binds both the claimed identity and the value, so a valid
// signature cannot be replayed under a different agent id or value.
func claimDigest(agentID, value uint64) []byte {
	buf := make([]byte, 0, len(claimLabel)+16)
	buf = append(buf, []byte(claimLabel)...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], agentID)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], value)
	buf = append(buf, tmp[:]...)
	sum := sha3.Sum256(buf)
	return sum[:]
}

// SignClaim produces the agent's claim for value.
func SignClaim(priv ed25519.PrivateKey, agentID, value uint64) Claim {
	return Claim{
		AgentID: agentID,
		Value:   value,
		Sig:     ed25519.Sign(priv, claimDigest(agentID, value)),
	}
}

// VerifyClaim reports whether c was signed by the holder of the private
// key matching pub, over exactly c.AgentID and c.Value. Pure function:
// an invalid signature is an outcome, not an error.
func VerifyClaim(pub ed25519.PublicKey, c Claim) bool {
	if len(pub) != ed25519.PublicKeySize || len(c.Sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, claimDigest(c.AgentID, c.Value), c.Sig)
}

func killDigest(agentID uint64) []byte {
	buf := make([]byte, 0, len(killLabel)+8)
	buf = append(buf, []byte(killLabel)...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], agentID)
	buf = append(buf, tmp[:]...)
	sum := sha3.Sum256(buf)
	return sum[:]
}

// SignKill authorizes terminating agentID. Only the game client holds a
// key agents accept kills from.
func SignKill(priv ed25519.PrivateKey, agentID uint64) []byte {
	return ed25519.Sign(priv, killDigest(agentID))
}

func VerifyKill(pub ed25519.PublicKey, agentID uint64, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, killDigest(agentID), sig)
}
