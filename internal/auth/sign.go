// Package auth builds signed connect URLs for the avatar service.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	signAlgorithm = "hmac-sha256"
	signedHeaders = "host date request-line"
)

// SignURL returns endpoint with the host, date and authorization query
// parameters the service expects on the websocket handshake.
func SignURL(endpoint, method, apiKey, apiSecret string) (string, error) {
	return signURLAt(endpoint, method, apiKey, apiSecret, time.Now())
}

func signURLAt(endpoint, method, apiKey, apiSecret string, now time.Time) (string, error) {
	if strings.TrimSpace(apiKey) == "" || strings.TrimSpace(apiSecret) == "" {
		return "", errors.New("api key and secret are required")
	}
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	date := now.UTC().Format(http.TimeFormat)
	signature := sign(apiSecret, signatureOrigin(u.Host, date, method, path))
	authorization := fmt.Sprintf(`api_key="%s", algorithm="%s", headers="%s", signature="%s"`,
		apiKey, signAlgorithm, signedHeaders, signature)

	q := u.Query()
	q.Set("host", u.Host)
	q.Set("date", date)
	q.Set("authorization", base64.StdEncoding.EncodeToString([]byte(authorization)))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func signatureOrigin(host, date, method, path string) string {
	return fmt.Sprintf("host: %s\ndate: %s\n%s %s HTTP/1.1", host, date, method, path)
}

func sign(secret, origin string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(origin))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
