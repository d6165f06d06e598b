package providerclient

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// CanonicalParams renders params as k1=v1&k2=v2 sorted by key. Empty values are skipped.
func CanonicalParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
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
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// Sign returns hex(HMAC-SHA256(secret, appID + timestamp + payload)).
func Sign(secret, appID, timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(appID))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks a provider notification signature over the raw body in constant time.
func VerifyWebhook(secret, appID, timestamp string, body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return false
	}
	expected, _ := hex.DecodeString(Sign(secret, appID, timestamp, string(body)))
	return hmac.Equal(got, expected)
}
