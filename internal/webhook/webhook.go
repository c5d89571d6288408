// Package webhook verifies and correlates inbound quality-gate callbacks
// from the analysis backend, the reverse side of the HMAC signing this
// codebase's outbound notifier uses.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Payload is the subset of the analysis backend's webhook body this system
// needs: which analysis finished, for which project, and its verdict.
type Payload struct {
	Status     string `json:"status"`
	AnalysisID string `json:"analysisId"`
	Project    struct {
		Key string `json:"key"`
	} `json:"project"`
	Analysis struct {
		Key string `json:"key"`
	} `json:"analysis"`
	QualityGate struct {
		Status string `json:"status"`
	} `json:"qualityGate"`
}

// ComponentKey returns the project key the webhook payload refers to, which
// this system registers commits under as "<project_key>_<commit_sha>".
func (p *Payload) ComponentKey() string { return p.Project.Key }

// AnalysisKey returns the backend's analysis identifier, accepting either
// the nested "analysis.key" or top-level "analysisId" field.
func (p *Payload) AnalysisKey() string {
	if p.Analysis.Key != "" {
		return p.Analysis.Key
	}
	return p.AnalysisID
}

// TokenHeaderName carries a shared-secret token, checked before falling
// back to HMAC verification.
const TokenHeaderName = "X-Sonar-Secret"

// SignatureHeaderNames are checked in order; different SonarQube/SonarCloud
// versions have used different header names for the same HMAC scheme.
var SignatureHeaderNames = []string{"X-Sonar-Webhook-HMAC-SHA256", "X-Commitpipe-Signature"}

// ErrUnauthenticated is returned when neither a token nor an HMAC
// signature header is present on the request.
var ErrUnauthenticated = fmt.Errorf("webhook: missing token or signature header")

// VerifyToken constant-time compares token against secret.
func VerifyToken(secret, token string) error {
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		return fmt.Errorf("webhook: token mismatch")
	}
	return nil
}

// VerifyHMAC checks an X-Sonar-Webhook-HMAC-SHA256 (or compatible
// X-Commitpipe-Signature) header against body using secret, with a
// constant-time comparison so timing can't leak the valid signature.
func VerifyHMAC(secret string, signatureHeader string, body []byte) error {
	sig := strings.TrimPrefix(signatureHeader, "sha256=")
	if sig == "" {
		return fmt.Errorf("webhook: missing signature")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return fmt.Errorf("webhook: signature mismatch")
	}
	return nil
}

// Parse reads and verifies an inbound webhook request body, returning the
// decoded Payload. A token header takes precedence over HMAC verification
// when both are configured; if neither header is present the request is
// rejected as unauthenticated.
func Parse(r *http.Request, secret string) (*Payload, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading webhook body: %w", err)
	}

	if secret != "" {
		if token := r.Header.Get(TokenHeaderName); token != "" {
			if err := VerifyToken(secret, token); err != nil {
				return nil, err
			}
		} else {
			var sigHeader string
			for _, name := range SignatureHeaderNames {
				if v := r.Header.Get(name); v != "" {
					sigHeader = v
					break
				}
			}
			if sigHeader == "" {
				return nil, ErrUnauthenticated
			}
			if err := VerifyHMAC(secret, sigHeader, body); err != nil {
				return nil, err
			}
		}
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decoding webhook payload: %w", err)
	}
	if p.Project.Key == "" {
		return nil, fmt.Errorf("webhook: missing project key")
	}
	return &p, nil
}
