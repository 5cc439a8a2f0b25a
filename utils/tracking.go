package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"athletereach/config"
)

// OpenToken authenticates a tracking pixel URL for one message.
func OpenToken(messageID uint) string {
	mac := hmac.New(sha256.New, []byte(config.AppConfig.EncryptionKey))
	mac.Write([]byte("open:" + strconv.FormatUint(uint64(messageID), 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))[:22]
}

func VerifyOpenToken(messageID uint, token string) bool {
	return hmac.Equal([]byte(OpenToken(messageID)), []byte(token))
}

// GenerateTrackingPixelURL generates a tracking pixel URL for email opens
func GenerateTrackingPixelURL(baseURL string, messageID uint) string {
	return fmt.Sprintf("%s/track/open/%d/%s", strings.TrimRight(baseURL, "/"), messageID, OpenToken(messageID))
}

// InjectTracking appends the open pixel to HTML bodies. Plain text is left alone.
func InjectTracking(body, baseURL string, messageID uint) string {
	if baseURL == "" || !LooksLikeHTML(body) {
		return body
	}
	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, GenerateTrackingPixelURL(baseURL, messageID))
	if idx := strings.LastIndex(strings.ToLower(body), "</body>"); idx >= 0 {
		return body[:idx] + pixel + body[idx:]
	}
	return body + pixel
}

// LooksLikeHTML is a cheap sniff used to pick the MIME type of a body.
func LooksLikeHTML(body string) bool {
	lower := strings.ToLower(body)
	for _, tag := range []string{"<html", "<body", "<p>", "<p ", "<br", "<div", "<a "} {
		if strings.Contains(lower, tag) {
			return true
		}
	}
	return false
}

// SignWebhook returns the hex HMAC-SHA256 of a provider webhook payload.
func SignWebhook(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature accepts the bare hex digest or a "sha256=" prefixed one.
func VerifyWebhookSignature(secret string, payload []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	return hmac.Equal([]byte(SignWebhook(secret, payload)), []byte(strings.ToLower(signature)))
}
