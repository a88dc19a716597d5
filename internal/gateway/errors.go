package gateway

import (
	"encoding/json"
	"net/http"
)

// Error codes carried in error response bodies.
const (
	CodeBadRequest            = "BAD_REQUEST"
	CodeUnauthenticated       = "UNAUTHENTICATED"
	CodeNotFound              = "NOT_FOUND"
	CodePolicyDenied          = "POLICY_DENIED"
	CodeApprovalState         = "APPROVAL_STATE"
	CodeExecutionForbidden    = "EXECUTION_FORBIDDEN"
	CodeSandboxUnavailable    = "SANDBOX_UNAVAILABLE"
	CodeImmutabilityViolation = "LEDGER_IMMUTABILITY_VIOLATION"
	CodeChainBroken           = "CHAIN_BROKEN"
	CodeRateLimited           = "RATE_LIMITED"
	CodeInternal              = "INTERNAL"
)

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorBody{Error: code, Detail: detail})
}
