// Package token mints and verifies the short-lived signed capabilities
// that authorize client-plane upload/download requests. Per spec §9's
// explicit "avoid a full JWT library" directive, a token is the base64url
// JSON claims, a ".", and the base64url HMAC-SHA256 of those JSON bytes,
// rather than JWT.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/backdotai/storage-proxy/internal/apperr"
)

// Op is the operation a token authorizes.
type Op string

const (
	OpUpload   Op = "upload"
	OpDownload Op = "download"
)

// Claims is the exact claim set named by spec §4.9.
type Claims struct {
	Op      Op     `json:"op"`
	Volume  string `json:"volume"`
	VFID    string `json:"vfid"`
	Relpath string `json:"relpath"`
	Size    int64  `json:"size,omitempty"`
	Session string `json:"session,omitempty"`
	Exp     int64  `json:"exp"`
}

// Minter signs and verifies Claims with a shared secret.
type Minter struct {
	secret []byte
}

// New returns a Minter keyed by secret. An empty secret is a configuration
// error the caller should catch before serving requests.
func New(secret string) *Minter {
	return &Minter{secret: []byte(secret)}
}

// Mint signs claims, stamping Exp as now+ttl, and returns the opaque token
// string.
func (m *Minter) Mint(claims Claims, ttl time.Duration) (string, error) {
	claims.Exp = time.Now().Add(ttl).Unix()
	if err := validateClaimsForOp(claims); err != nil {
		return "", err
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", apperr.Wrap(apperr.InvalidToken, "mint_token", err)
	}

	mac := hmac.New(sha256.New, m.secret)
	mac.Write(payload)
	sig := mac.Sum(nil)

	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks the token's signature and expiry and returns its claims.
func (m *Minter) Verify(tokenStr string) (Claims, error) {
	payloadB64, sigB64, ok := splitToken(tokenStr)
	if !ok {
		return Claims{}, apperr.New(apperr.InvalidToken, "malformed token").WithOp("verify_token")
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return Claims{}, apperr.New(apperr.InvalidToken, "malformed token payload").WithOp("verify_token")
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return Claims{}, apperr.New(apperr.InvalidToken, "malformed token signature").WithOp("verify_token")
	}

	mac := hmac.New(sha256.New, m.secret)
	mac.Write(payload)
	expected := mac.Sum(nil)
	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return Claims{}, apperr.New(apperr.InvalidToken, "signature mismatch").WithOp("verify_token")
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, apperr.New(apperr.InvalidToken, "malformed claims").WithOp("verify_token")
	}

	if claims.Exp == 0 || time.Now().Unix() > claims.Exp {
		return Claims{}, apperr.New(apperr.InvalidToken, "token expired").WithOp("verify_token")
	}
	if claims.Op != OpUpload && claims.Op != OpDownload {
		return Claims{}, apperr.New(apperr.InvalidToken, "unknown operation").WithOp("verify_token")
	}
	if err := validateClaimsForOp(claims); err != nil {
		return Claims{}, err
	}

	return claims, nil
}

func validateClaimsForOp(c Claims) error {
	if c.Volume == "" || c.VFID == "" || c.Relpath == "" {
		return apperr.New(apperr.InvalidToken, "missing required claim").WithOp("mint_token")
	}
	switch c.Op {
	case OpUpload:
		if c.Session == "" {
			return apperr.New(apperr.InvalidToken, "upload token missing session").WithOp("mint_token")
		}
	case OpDownload:
	default:
		return apperr.New(apperr.InvalidToken, "unknown operation").WithOp("mint_token")
	}
	return nil
}

func splitToken(s string) (payload, sig string, ok bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
