package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const signatureStaleness = 300 * time.Second

// verifySignature checks an `X-Signature: t=<unix>,v1=<hex hmac-sha256>`
// header against secret and body, per spec §4.X1. Modeled on the teacher's
// webhook.Proxy HMAC check (crypto/hmac, crypto/sha256, hmac.Equal for a
// constant-time compare) but adapted to the spec's own header scheme rather
// than the teacher's `X-Hub-Signature-256: sha256=<hex>`.
func verifySignature(header string, secret []byte, body []byte) error {
	ts, mac, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	age := time.Since(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > signatureStaleness {
		return fmt.Errorf("signature timestamp too stale: %s old", age)
	}

	signed := fmt.Sprintf("%d.%s", ts, body)
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(signed))
	expected := h.Sum(nil)

	given, err := hex.DecodeString(mac)
	if err != nil {
		return fmt.Errorf("signature not valid hex: %w", err)
	}
	if !hmac.Equal(expected, given) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func parseSignatureHeader(header string) (int64, string, error) {
	var ts int64
	var mac string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			v, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("invalid t field: %w", err)
			}
			ts = v
		case "v1":
			mac = kv[1]
		}
	}
	if ts == 0 || mac == "" {
		return 0, "", fmt.Errorf("missing t or v1 in X-Signature header")
	}
	return ts, mac, nil
}
