// Package auth signs REST requests to the exchange with HMAC-SHA256 over
// timestamp, method, path, and body, using the API key/secret pair the
// exchange issued.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// Signer holds the API key/secret pair used to sign every trading
// request.
type Signer struct {
	apiKey string
	secret string
}

// NewSigner builds a Signer from a raw API key and base64- or
// base64url-encoded secret.
func NewSigner(apiKey, secret string) *Signer {
	return &Signer{apiKey: apiKey, secret: secret}
}

// Headers returns the headers to attach to a request signed over
// timestamp+method+path[+body].
func (s *Signer) Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := s.sign(timestamp, method, path, body)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"API-KEY":       s.apiKey,
		"API-SIGNATURE": sig,
		"API-TIMESTAMP": timestamp,
	}, nil
}

func (s *Signer) sign(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(s.secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		// Fall back to raw bytes; not every exchange base64-encodes its secret.
		secretBytes = []byte(s.secret)
	}

	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}
