// Package viewertoken issues and verifies the opaque short-lived viewer
// tokens that authenticate the snapshot endpoint (spec §6): a token
// binds (tenant) and expires after a configured TTL.
//
// Format: base64url(tenantKey) "." base64url(expiresUnix) "." signature,
// where signature = hex(HMAC-SHA256(salt, tenantKey+"."+expiresUnix)), a
// keyed-MAC construction applied to a short opaque token rather than a
// canonical request string.
package viewertoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformed = errors.New("viewertoken: malformed token")
	ErrExpired   = errors.New("viewertoken: expired")
	ErrBadSignature = errors.New("viewertoken: signature mismatch")
)

// Issuer mints and verifies tokens using a shared salt.
type Issuer struct {
	salt string
	ttl  time.Duration
}

func NewIssuer(salt string, ttl time.Duration) *Issuer {
	return &Issuer{salt: salt, ttl: ttl}
}

// Issue mints a token binding tenantKey, valid until now+ttl.
func (i *Issuer) Issue(tenantKey string) string {
	expires := time.Now().Add(i.ttl).Unix()
	return i.build(tenantKey, expires)
}

func (i *Issuer) build(tenantKey string, expires int64) string {
	expStr := strconv.FormatInt(expires, 10)
	sig := sign(i.salt, tenantKey, expStr)
	return strings.Join([]string{
		base64.RawURLEncoding.EncodeToString([]byte(tenantKey)),
		base64.RawURLEncoding.EncodeToString([]byte(expStr)),
		sig,
	}, ".")
}

// Verify checks signature and expiry, returning the bound tenant key.
func (i *Issuer) Verify(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrMalformed
	}
	tenantBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrMalformed
	}
	expBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrMalformed
	}
	tenantKey := string(tenantBytes)
	expStr := string(expBytes)

	expected := sign(i.salt, tenantKey, expStr)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(parts[2])) != 1 {
		return "", ErrBadSignature
	}

	expires, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return "", ErrMalformed
	}
	if time.Now().Unix() > expires {
		return "", ErrExpired
	}
	return tenantKey, nil
}

func sign(salt, tenantKey, expStr string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(fmt.Sprintf("%s.%s", tenantKey, expStr)))
	return hex.EncodeToString(mac.Sum(nil))
}
