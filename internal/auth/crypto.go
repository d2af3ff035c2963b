package auth

import (
	"strconv"
	"strings"

	"golang.org/x/crypto/nacl/sign"
)

// Claim versions. v2 binds the signature to the gateway's challenge nonce.
//
// The version is chosen by whether the gateway sent a nonce, so a gateway that
// never sends one keeps this client on v1 indefinitely. That is the gateway's
// call to make; do not force v2 here without a matching gateway change.
const (
	ClaimV1 = "v1"
	ClaimV2 = "v2"
)

// ClaimParams are the inputs to the signed device-auth claim.
type ClaimParams struct {
	Version    string // empty selects by Nonce
	DeviceID   string
	ClientID   string
	ClientMode string
	Role       string
	Scopes     []string
	SignedAtMs int64
	Token      string
	Nonce      *string // nil when the challenge carried no nonce
}

// ClaimVersion reports the version BuildClaim will use for p.
func (p ClaimParams) ClaimVersion() string {
	if p.Version != "" {
		return p.Version
	}
	if p.Nonce != nil {
		return ClaimV2
	}
	return ClaimV1
}

// BuildClaim returns the canonical pipe-joined claim. The gateway rebuilds the
// same string to verify the signature, so field order and formatting are fixed:
//
//	version|deviceId|clientId|clientMode|role|scopes|signedAtMs|token[|nonce]
func BuildClaim(p ClaimParams) string {
	version := p.ClaimVersion()
	parts := []string{
		version,
		p.DeviceID,
		p.ClientID,
		p.ClientMode,
		p.Role,
		strings.Join(p.Scopes, ","),
		strconv.FormatInt(p.SignedAtMs, 10),
		p.Token,
	}
	if version == ClaimV2 {
		nonce := ""
		if p.Nonce != nil {
			nonce = *p.Nonce
		}
		parts = append(parts, nonce)
	}
	return strings.Join(parts, "|")
}

// Sign returns a detached ed25519 signature over the UTF-8 claim, base64url encoded.
func Sign(privateKey [64]byte, claim string) string {
	signed := sign.Sign(nil, []byte(claim), &privateKey)
	return EncodeBase64URL(signed[:sign.Overhead])
}

// Verify checks a detached signature produced by Sign.
func Verify(publicKey [32]byte, claim, signature string) bool {
	sig, err := DecodeBase64URL(signature)
	if err != nil || len(sig) != sign.Overhead {
		return false
	}
	signed := make([]byte, 0, len(sig)+len(claim))
	signed = append(signed, sig...)
	signed = append(signed, claim...)
	_, ok := sign.Open(nil, signed, &publicKey)
	return ok
}
