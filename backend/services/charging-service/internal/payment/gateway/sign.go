package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"net/url"
	"sort"
	"strings"
)

func hmacHex(newHash func() hash.Hash, secret, message string) string {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacSHA256(secret, message string) string { return hmacHex(sha256.New, secret, message) }

func hmacSHA512(secret, message string) string { return hmacHex(sha512.New, secret, message) }

// equalHex compares two hex digests in constant time, ignoring case.
func equalHex(got, want string) bool {
	a, errA := hex.DecodeString(strings.ToLower(strings.TrimSpace(got)))
	b, errB := hex.DecodeString(want)
	if errA != nil || errB != nil {
		return false
	}
	return hmac.Equal(a, b)
}

// canonicalQuery joins non-empty params in key order as url-encoded key=value pairs,
// skipping the excluded keys.
func canonicalQuery(params url.Values, exclude ...string) string {
	skip := make(map[string]bool, len(exclude))
	for _, k := range exclude {
		skip[k] = true
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		if skip[k] || params.Get(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params.Get(k)))
	}
	return b.String()
}

// rawPairs joins key=value pairs in the given order without escaping.
func rawPairs(pairs ...[2]string) string {
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(p[1])
	}
	return b.String()
}
