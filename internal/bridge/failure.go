package bridge

import (
	"errors"
	"fmt"
	"strings"

	"sessionbridge/internal/provider"
	"sessionbridge/internal/retry"
)

// FailurePayload is the SEND_ERROR payload of a failed turn.
type FailurePayload struct {
	Message          string   `json:"message"`
	Error            string   `json:"error"`
	Reason           string   `json:"reason,omitempty"`
	Attempts         int      `json:"attempts"`
	Stderr           []string `json:"stderr,omitempty"`
	CredentialSource string   `json:"credentialSource,omitempty"`
	MaskedKey        string   `json:"maskedKey,omitempty"`
	Endpoint         string   `json:"endpoint,omitempty"`
}

// TurnSummary is the RESULT payload that ends every turn.
type TurnSummary struct {
	Success        bool           `json:"success"`
	SessionID      string         `json:"sessionId"`
	Provider       provider.Kind  `json:"provider"`
	RetryAttempt   int            `json:"retryAttempt"`
	Attempts       int            `json:"attempts"`
	Interrupted    bool           `json:"interrupted,omitempty"`
	UserMessageID  string         `json:"userMessageId,omitempty"`
	PermissionMode string         `json:"permissionMode"`
	Usage          provider.Usage `json:"usage"`
	Error          string         `json:"error,omitempty"`
}

// newFailure describes a terminal error. creds are the credentials the turn
// ran with; an AuthError carries its own.
func newFailure(kind provider.Kind, err error, creds provider.Credentials) FailurePayload {
	p := FailurePayload{
		Error:            err.Error(),
		Attempts:         1,
		CredentialSource: creds.Source,
		MaskedKey:        MaskKey(creds.APIKey),
		Endpoint:         Endpoint(kind, creds),
	}

	var term *retry.TerminalError
	if errors.As(err, &term) {
		p.Reason = term.Reason
		p.Attempts = term.Attempts
		p.Stderr = term.Stderr
		if term.Err != nil {
			p.Error = term.Err.Error()
		}
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		p.CredentialSource = authErr.Source
		p.MaskedKey = authErr.MaskedKey
		p.Endpoint = authErr.Endpoint
		p.Message = fmt.Sprintf("Authentication failed using credentials from %s. Check the API key and endpoint %s.", authErr.Source, authErr.Endpoint)
		return p
	}

	p.Message = "Failed to send message: " + firstLine(p.Error)
	return p
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
