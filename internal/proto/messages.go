package proto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"liarslie/internal/identity"
)

const (
	MsgTypeValueQuery   = "value_query"
	MsgTypeSignedClaim  = "signed_claim"
	MsgTypeRelayQuery   = "relay_query"
	MsgTypeRelayFailure = "relay_failure"
	MsgTypeKill         = "kill"
)

// RelayFailure reasons.
const (
	ReasonNotFound = "not_found"
	ReasonTimeout  = "timeout"
	ReasonDead     = "dead"
)

// ValueQueryMsg asks the receiving agent for its own signed claim.
type ValueQueryMsg struct {
	Type        string `json:"type"`
	RequesterID uint64 `json:"requester_id"`
}

// SignedClaimMsg carries one agent's claim. Relays forward it without
// touching AgentID, Value or Sig; any edit breaks the signature.
type SignedClaimMsg struct {
	Type    string `json:"type"`
	AgentID uint64 `json:"agent_id"`
	Value   uint64 `json:"value"`
	Sig     string `json:"sig"`
}

// RelayQueryMsg asks the receiving agent to obtain TargetID's claim on
// the requester's behalf. TargetAddr is the roster address of the
// target; the relay still refuses targets outside its own reach set.
type RelayQueryMsg struct {
	Type        string `json:"type"`
	RequesterID uint64 `json:"requester_id"`
	TargetID    uint64 `json:"target_id"`
	TargetAddr  string `json:"target_addr"`
}

type RelayFailureMsg struct {
	Type     string `json:"type"`
	TargetID uint64 `json:"target_id"`
	Reason   string `json:"reason"`
}

// KillMsg terminates the addressed agent. Sig is the game client's
// signature over the agent id; agents drop unsigned kills.
type KillMsg struct {
	Type    string `json:"type"`
	AgentID uint64 `json:"agent_id"`
	Sig     string `json:"sig"`
}

func EncodeValueQueryMsg(m ValueQueryMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeValueQuery
	}
	return json.Marshal(m)
}

func DecodeValueQueryMsg(data []byte) (ValueQueryMsg, error) {
	var m ValueQueryMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return ValueQueryMsg{}, err
	}
	if m.Type != MsgTypeValueQuery {
		return ValueQueryMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeSignedClaimMsg(m SignedClaimMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeSignedClaim
	}
	return json.Marshal(m)
}

func DecodeSignedClaimMsg(data []byte) (SignedClaimMsg, error) {
	var m SignedClaimMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return SignedClaimMsg{}, err
	}
	if m.Type != MsgTypeSignedClaim {
		return SignedClaimMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeRelayQueryMsg(m RelayQueryMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeRelayQuery
	}
	return json.Marshal(m)
}

func DecodeRelayQueryMsg(data []byte) (RelayQueryMsg, error) {
	var m RelayQueryMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return RelayQueryMsg{}, err
	}
	if m.Type != MsgTypeRelayQuery {
		return RelayQueryMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeRelayFailureMsg(m RelayFailureMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeRelayFailure
	}
	switch m.Reason {
	case ReasonNotFound, ReasonTimeout, ReasonDead:
	default:
		return nil, fmt.Errorf("unknown relay failure reason: %s", m.Reason)
	}
	return json.Marshal(m)
}

func DecodeRelayFailureMsg(data []byte) (RelayFailureMsg, error) {
	var m RelayFailureMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return RelayFailureMsg{}, err
	}
	if m.Type != MsgTypeRelayFailure {
		return RelayFailureMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeKillMsg(m KillMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeKill
	}
	return json.Marshal(m)
}

func DecodeKillMsg(data []byte) (KillMsg, error) {
	var m KillMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return KillMsg{}, err
	}
	if m.Type != MsgTypeKill {
		return KillMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

// SniffType extracts the type discriminator so handlers can dispatch
// before committing to a full decode.
func SniffType(data []byte) string {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return ""
	}
	return hdr.Type
}

// ClaimFromMsg converts a wire claim into the verification-layer form.
func ClaimFromMsg(m SignedClaimMsg) (identity.Claim, error) {
	sig, err := hex.DecodeString(m.Sig)
	if err != nil {
		return identity.Claim{}, fmt.Errorf("bad sig hex: %w", err)
	}
	return identity.Claim{AgentID: m.AgentID, Value: m.Value, Sig: sig}, nil
}

func MsgFromClaim(c identity.Claim) SignedClaimMsg {
	return SignedClaimMsg{
		Type:    MsgTypeSignedClaim,
		AgentID: c.AgentID,
		Value:   c.Value,
		Sig:     hex.EncodeToString(c.Sig),
	}
}
