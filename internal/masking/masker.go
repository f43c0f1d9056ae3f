// Package masking redacts personally identifiable information from trace data.
package masking

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// sensitiveKeys are matched as case-insensitive substrings of map keys.
var sensitiveKeys = []string{
	"email", "phone", "telephone", "mobile",
	"address", "street", "postcode", "zipcode", "zip_code", "postal_code",
	"ssn", "social_security",
	"password", "secret", "token", "api_key", "apikey", "auth", "credential",
	"parent_name", "parent_email", "guardian", "student_name", "child_name",
	"full_name", "first_name", "last_name", "surname", "given_name", "family_name",
	"date_of_birth", "dob", "birthday", "birth_date",
	"credit_card", "card_number", "cvv", "account_number", "routing_number", "bank_account",
	"ip_address", "user_agent",
}

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[\d\s\-()]{10,}`)
	ipPattern     = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b|\b(?:[0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}\b`)
	maskedPattern = regexp.MustCompile(`^\[MASKED:[0-9a-f]{8}\]$`)
	urlCredential = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.\-]*://)([^:/@\s]+):([^@/\s]+)@`)
)

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"x-api-key":           true,
	"x-auth-token":        true,
	"cookie":              true,
	"set-cookie":          true,
	"proxy-authorization": true,
}

// Options configures a Masker.
type Options struct {
	// MaskChar fills masked values in PreserveLength mode. Default '*'.
	MaskChar rune
	// PreserveLength replaces sensitive values with MaskChar repeated to the
	// length of the value instead of a hash placeholder.
	PreserveLength bool
	// ExtraKeys are additional sensitive key substrings.
	ExtraKeys []string
}

// Masker redacts sensitive values. It holds no mutable state and is safe for
// concurrent use.
type Masker struct {
	maskChar       rune
	preserveLength bool
	keys           []string
}

// New creates a Masker.
func New(opts Options) *Masker {
	m := &Masker{
		maskChar:       opts.MaskChar,
		preserveLength: opts.PreserveLength,
		keys:           make([]string, 0, len(sensitiveKeys)+len(opts.ExtraKeys)),
	}
	if m.maskChar == 0 {
		m.maskChar = '*'
	}
	m.keys = append(m.keys, sensitiveKeys...)
	for _, k := range opts.ExtraKeys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			m.keys = append(m.keys, k)
		}
	}
	return m
}

// Mask returns a redacted copy of v. Maps and slices are walked recursively;
// slice elements inherit the key of the slice. The input is never modified.
func (m *Masker) Mask(v any) any {
	return m.mask(v, "")
}

// MaskState masks a session state document.
func (m *Masker) MaskState(state map[string]any) map[string]any {
	if len(state) == 0 {
		return map[string]any{}
	}
	out, _ := m.mask(state, "").(map[string]any)
	return out
}

// IsSensitiveKey reports whether values under key are always masked.
func (m *Masker) IsSensitiveKey(key string) bool {
	if key == "" {
		return false
	}
	lower := strings.ToLower(key)
	for _, k := range m.keys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func (m *Masker) mask(v any, parentKey string) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if m.IsSensitiveKey(k) {
				out[k] = m.maskValue(item, k)
				continue
			}
			out[k] = m.mask(item, k)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = m.mask(item, parentKey)
		}
		return out
	case string:
		return m.MaskString(val)
	default:
		return v
	}
}

// maskValue replaces the whole value under a sensitive key.
func (m *Masker) maskValue(v any, key string) any {
	if v == nil {
		return nil
	}
	s, isString := v.(string)
	if isString {
		if s == "" || maskedPattern.MatchString(s) {
			return s
		}
		if m.preserveLength && isMaskFill(s, m.maskChar) {
			return s
		}
	} else {
		b, err := json.Marshal(v)
		if err != nil {
			b = []byte(fmt.Sprintf("%v", v))
		}
		s = string(b)
	}

	if m.preserveLength {
		return strings.Repeat(string(m.maskChar), utf8.RuneCountInString(s))
	}
	sum := sha256.Sum256([]byte("key:" + key + ":" + s))
	return "[MASKED:" + hex.EncodeToString(sum[:])[:8] + "]"
}

// MaskString replaces embedded email addresses, phone numbers and IP
// addresses with [EMAIL], [PHONE] and [IP].
func (m *Masker) MaskString(s string) string {
	if s == "" {
		return s
	}
	s = emailPattern.ReplaceAllString(s, "[EMAIL]")
	s = phonePattern.ReplaceAllString(s, "[PHONE]")
	return ipPattern.ReplaceAllString(s, "[IP]")
}

// MaskURLCredentials rewrites scheme://user:pass@ to scheme://[USER]:[PASS]@.
func (m *Masker) MaskURLCredentials(url string) string {
	return urlCredential.ReplaceAllString(url, "${1}[USER]:[PASS]@")
}

// MaskHeaders returns a copy of h with credential-bearing headers redacted.
func (m *Masker) MaskHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if sensitiveHeaders[strings.ToLower(k)] {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}

func isMaskFill(s string, c rune) bool {
	for _, r := range s {
		if r != c {
			return false
		}
	}
	return true
}
