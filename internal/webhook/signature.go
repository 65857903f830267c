// Package webhook verifies and decodes inbound provider webhooks.
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"

	"github.com/google/go-github/v84/github"
)

const (
	VercelSignatureHeader = "x-vercel-signature"
	GitHubSignatureHeader = "X-Hub-Signature-256"
	GitHubEventHeader     = "X-GitHub-Event"
	GitHubDeliveryHeader  = "X-GitHub-Delivery"
	AgentSignatureHeader  = "X-Deployfix-Signature"
)

// VerifyVercelSignature checks the hex HMAC-SHA1 Vercel sends over the raw body.
func VerifyVercelSignature(body []byte, signatureHeader, secret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" || secret == "" {
		return false
	}
	decodedSig, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}
	return verifyHMAC(body, decodedSig, []byte(secret), sha1.New)
}

// VerifyGitHubSignature checks a "sha256=<hex>" X-Hub-Signature-256 header.
func VerifyGitHubSignature(body []byte, signatureHeader, secret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" || secret == "" || !strings.HasPrefix(sig, "sha256=") {
		return false
	}
	return github.ValidateSignature(sig, body, []byte(secret)) == nil
}

// SignSHA256 returns the "sha256=<hex>" signature used for agent callbacks.
func SignSHA256(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySHA256 checks a signature produced by SignSHA256.
func VerifySHA256(body []byte, signatureHeader, secret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" || secret == "" {
		return false
	}
	hexSig, ok := strings.CutPrefix(sig, "sha256=")
	if !ok {
		return false
	}
	decodedSig, err := hex.DecodeString(strings.ToLower(hexSig))
	if err != nil {
		return false
	}
	return verifyHMAC(body, decodedSig, []byte(secret), sha256.New)
}

func verifyHMAC(payload, expectedSig, secret []byte, hashFunc func() hash.Hash) bool {
	mac := hmac.New(hashFunc, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expectedSig)
}
