package download

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Signer mints HMAC-signed, time-boxed URLs for objects under the storage
// root. Each URL is scoped to exactly one object key and one expiry.
type Signer struct {
	secret        []byte
	publicBaseURL string
}

func NewSigner(secret, publicBaseURL string) *Signer {
	return &Signer{
		secret:        []byte(secret),
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// Sign returns a URL granting access to objectKey until now+ttl.
func (s *Signer) Sign(objectKey string, ttl time.Duration) (string, error) {
	if objectKey == "" {
		return "", fmt.Errorf("object key is required")
	}
	expires := time.Now().Add(ttl).Unix()

	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", s.signature(objectKey, expires))

	return fmt.Sprintf("%s/files/%s?%s", s.publicBaseURL, objectKey, q.Encode()), nil
}

// Verify checks the signature and expiry for objectKey.
func (s *Signer) Verify(objectKey, expiresStr, signature string) bool {
	expires, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return false
	}
	if time.Now().Unix() > expires {
		return false
	}
	expected := s.signature(objectKey, expires)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (s *Signer) signature(objectKey string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%d", objectKey, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
