package gateway

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	gossh "golang.org/x/crypto/ssh"
)

// TrustedKeys maps SHA256 public key fingerprints to the client name the key
// proves. Only a client that signs with one of these keys gets its privilege
// level looked up; everyone else is a guest.
type TrustedKeys map[string]string

// Name returns the client name key is trusted for, or "".
func (t TrustedKeys) Name(key gossh.PublicKey) string {
	return t[gossh.FingerprintSHA256(key)]
}

// ParseTrustedKeys reads authorized_keys formatted data. The comment of each
// key is the client name it vouches for.
func ParseTrustedKeys(data []byte) (TrustedKeys, error) {
	keys := TrustedKeys{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, comment, _, _, err := gossh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("trusted keys line %d: %w", n, err)
		}
		name := strings.TrimSpace(comment)
		if name == "" {
			return nil, fmt.Errorf("trusted keys line %d: key has no client name", n)
		}
		keys[gossh.FingerprintSHA256(key)] = name
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read trusted keys: %w", err)
	}
	return keys, nil
}

// LoadTrustedKeys reads the file at path. An empty path trusts no key.
func LoadTrustedKeys(path string) (TrustedKeys, error) {
	if path == "" {
		return TrustedKeys{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load trusted keys: %w", err)
	}
	return ParseTrustedKeys(data)
}
