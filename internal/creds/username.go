package creds

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const (
	// passwordAlphabet omits characters that are ambiguous in monospace
	// fonts or awkward in shell quoting.
	passwordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789!#%+-=?@_~"

	passwordLength  = 24
	suffixAlphabet  = "abcdefghijklmnopqrstuvwxyz0123456789"
	usernameSuffix  = 6
	fallbackPrefix  = "encimap"
	maxUsernameSize = 255
)

// GeneratePassword draws a password from the CSPRNG.
func GeneratePassword() (string, error) {
	return randomString(passwordAlphabet, passwordLength)
}

// DeriveUsername produces the unified credential username for a vaultbox
// address. With an alias present the username is the primary address itself;
// without one it is a generated encimap-<domain>-<suffix> handle.
func DeriveUsername(alias *string, domain string) (string, error) {
	domain = strings.ToLower(domain)
	if alias != nil && *alias != "" {
		u := strings.ToLower(*alias) + "@" + domain
		if len(u) > maxUsernameSize {
			return "", fmt.Errorf("creds: username too long: %s", u)
		}
		return u, nil
	}

	suffix, err := randomString(suffixAlphabet, usernameSuffix)
	if err != nil {
		return "", err
	}
	return fallbackPrefix + "-" + normalizeDomain(domain) + "-" + suffix, nil
}

// normalizeDomain maps a domain to a username-safe token: dots become
// hyphens and anything outside [a-z0-9-] is dropped.
func normalizeDomain(domain string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(domain) {
		switch {
		case c == '.':
			b.WriteByte('-')
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
			b.WriteRune(c)
		}
	}
	return b.String()
}

func randomString(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("creds: reading random: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}
