// Package crypto holds the two independent keyed primitives of the service:
// the authenticated cipher guarding the settings token and the keyed hash
// that turns execution stdout into a flag. The keys are unrelated; knowing
// one must not help with the other.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fernet/fernet-go"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidToken covers tampering, a wrong key, and expiry alike; the
	// cipher fails closed and never reveals which it was.
	ErrInvalidToken = errors.New("invalid encrypted settings token")

	ErrNotJSON   = errors.New("decrypted settings is not valid JSON")
	ErrNotObject = errors.New("decrypted settings is not a JSON object")
)

// Overrides are the per-job execution parameters a settings token may carry.
// A nil field means the token did not set it and the feeder default applies.
type Overrides struct {
	MemoryLimit    *int // MB, -1 = unlimited
	CompileTimeout *int // ms
	RunTimeout     *int // ms
}

// SettingsCipher decrypts the opaque settings tokens produced out-of-band.
type SettingsCipher struct {
	key *fernet.Key
}

func NewSettingsCipher(encodedKey string) (*SettingsCipher, error) {
	k, err := fernet.DecodeKey(encodedKey)
	if err != nil {
		return nil, errors.Wrap(err, "decode encryption key")
	}
	return &SettingsCipher{key: k}, nil
}

// Decrypt verifies and opens a settings token and extracts the recognized
// numeric overrides, silently ignoring everything else in the payload.
func (c *SettingsCipher) Decrypt(token string) (Overrides, error) {
	plain := fernet.VerifyAndDecrypt([]byte(token), 0, []*fernet.Key{c.key})
	if plain == nil {
		return Overrides{}, ErrInvalidToken
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(plain, &raw); err != nil {
		// Distinguish "not JSON at all" from "JSON but not an object".
		var any interface{}
		if json.Unmarshal(plain, &any) != nil {
			return Overrides{}, ErrNotJSON
		}
		return Overrides{}, ErrNotObject
	}

	var o Overrides
	o.MemoryLimit = numericField(raw, "memory_limit")
	o.CompileTimeout = numericField(raw, "compile_timeout")
	o.RunTimeout = numericField(raw, "run_timeout")
	return o, nil
}

// Encrypt produces a settings token for a JSON object. Used by the
// settingscrypt utility, not by the scheduler itself.
func (c *SettingsCipher) Encrypt(settingsJSON []byte) (string, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(settingsJSON, &obj); err != nil {
		return "", ErrNotObject
	}
	tok, err := fernet.EncryptAndSign(settingsJSON, c.key)
	if err != nil {
		return "", errors.Wrap(err, "encrypt settings")
	}
	return string(tok), nil
}

// numericField returns the value of a recognized key when it is a JSON
// number, truncated to int. Non-numeric values are ignored rather than
// rejected so one odd key cannot poison the whole token.
func numericField(raw map[string]json.RawMessage, key string) *int {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return nil
	}
	n := int(f)
	return &n
}

// FlagSigner computes the tamper-proof flag over execution stdout.
type FlagSigner struct {
	key []byte
}

func NewFlagSigner(key string) *FlagSigner {
	return &FlagSigner{key: []byte(key)}
}

// Flag returns hex(HMAC-SHA256(key, stdout)).
func (s *FlagSigner) Flag(stdout string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(stdout))
	return hex.EncodeToString(mac.Sum(nil))
}
