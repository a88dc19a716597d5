// Package ledger implements the Audit Spine: an append-only, hash-chained
// event log. Every side-effecting operation in the control plane funnels
// through Append, and the chain can be re-verified online at any time.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// GenesisHash is the sentinel previous_event_hash of the very first event.
const GenesisHash = "GENESIS"

// CreatedAtLayout is the canonical textual form of created_at used as hash
// input. Fixed UTC microsecond precision so append and verify agree across
// processes and stores.
const CreatedAtLayout = "2006-01-02T15:04:05.000000Z"

// Closed action-type vocabulary. POLICY_EVAL types carry the decision as a
// suffix (see PolicyEvalType).
const (
	TypeInboundIntent    = "INBOUND_INTENT"
	TypeApprovalGranted  = "HUMAN_APPROVAL_GRANTED"
	TypeHumanDenial      = "HUMAN_DENIAL"
	TypeApprovalConsumed = "APPROVAL_CONSUMED"
	TypeAutoDenied       = "AUTO_DENIED_TIMEOUT"
	TypeEvidencePacket   = "EVIDENCE_PACKET"
	TypeEvidenceReview   = "EVIDENCE_REVIEW"
	TypeSystemBootstrap  = "SYSTEM_BOOTSTRAP"

	policyEvalPrefix = "POLICY_EVAL:"
)

// PolicyEvalType returns the action type for a policy evaluation event,
// e.g. "POLICY_EVAL:APPROVED".
func PolicyEvalType(decision string) string {
	return policyEvalPrefix + decision
}

// IsPolicyEval reports whether an action type is a POLICY_EVAL:* variant.
func IsPolicyEval(actionType string) bool {
	return strings.HasPrefix(actionType, policyEvalPrefix)
}

// AuditEvent is the atomic unit of the Spine. After initial append no field
// is ever mutated; deletion is forbidden at the storage layer.
type AuditEvent struct {
	ID                string         `json:"id"`
	CreatedAt         time.Time      `json:"created_at"`
	ActorID           string         `json:"actor_id"`
	ActionType        string         `json:"action_type"`
	IntentPayload     map[string]any `json:"intent_payload"`
	PolicyVersion     string         `json:"policy_version"`
	EventHash         string         `json:"event_hash"`
	PreviousEventHash string         `json:"previous_event_hash"`
}

// CanonicalCreatedAt renders created_at in the canonical hash-input form.
func (e *AuditEvent) CanonicalCreatedAt() string {
	return e.CreatedAt.UTC().Format(CreatedAtLayout)
}

// PayloadString returns a string payload field, or "" if absent.
func (e *AuditEvent) PayloadString(key string) string {
	s, _ := e.IntentPayload[key].(string)
	return s
}

// ComputeEventHash computes the chain hash of one event:
//
//	SHA256(prev || "|" || actor || "|" || action || "|" || payload_json ||
//	       "|" || policy_version || "|" || created_at_text)
//
// payloadJSON must be the canonical encoding produced by MarshalCanonical.
func ComputeEventHash(prevHash, actorID, actionType string, payloadJSON []byte, policyVersion, createdAtText string) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte{'|'})
	h.Write([]byte(actorID))
	h.Write([]byte{'|'})
	h.Write([]byte(actionType))
	h.Write([]byte{'|'})
	h.Write(payloadJSON)
	h.Write([]byte{'|'})
	h.Write([]byte(policyVersion))
	h.Write([]byte{'|'})
	h.Write([]byte(createdAtText))
	return hex.EncodeToString(h.Sum(nil))
}

// HashOf recomputes the event hash from the event's own fields. Used by the
// verifier; a well-formed event satisfies HashOf(e) == e.EventHash.
func HashOf(e *AuditEvent) (string, error) {
	payload, err := MarshalCanonical(e.IntentPayload)
	if err != nil {
		return "", err
	}
	return ComputeEventHash(
		e.PreviousEventHash,
		e.ActorID,
		e.ActionType,
		payload,
		e.PolicyVersion,
		e.CanonicalCreatedAt(),
	), nil
}
