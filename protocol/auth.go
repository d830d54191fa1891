package protocol

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// NonceSize is the number of random bytes in a challenge before hex encoding.
	NonceSize = 64

	passwordIterations = 10000
	passwordKeyLen     = 64
)

// NewNonce returns NonceSize random bytes, hex encoded.
func NewNonce() (string, error) {
	b := make([]byte, NonceSize)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// PasswordHash derives the stored key for a user. Clients compute the same
// value from the password to answer a challenge.
func PasswordHash(username, password string) []byte {
	key := pbkdf2.Key([]byte(password), []byte(strings.ToLower(username)), passwordIterations, passwordKeyLen, sha512.New)
	return []byte(hex.EncodeToString(key))
}

// Digest is HMAC-MD5 of the nonce keyed by the password hash.
func Digest(key []byte, nonce string) []byte {
	mac := hmac.New(md5.New, key)
	mac.Write([]byte(nonce))
	return mac.Sum(nil)
}

// VerifyDigest reports whether encoded, a base64 digest sent by a client,
// matches expected. The comparison is constant time.
func VerifyDigest(expected []byte, encoded string) bool {
	got, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// ChallengeResponse builds the client's answer to a 511 challenge.
func ChallengeResponse(key []byte, nonce string) *Message {
	return Auth(base64.StdEncoding.EncodeToString(Digest(key, nonce)))
}
