// Package auth provides bearer-token credentials for the price feed WebSocket API.
//
// Token acquisition happens elsewhere; this package only loads an issued token
// from configuration or a file and turns it into request headers.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// ErrNoToken is returned when neither a token nor a token file is configured.
var ErrNoToken = errors.New("access token is required")

// Credentials holds the access token used for every upstream connection.
type Credentials struct {
	Token string
}

// LoadCredentials resolves the access token. An inline token wins over a
// token file; the file is read once and surrounding whitespace is trimmed.
func LoadCredentials(token, tokenPath string) (*Credentials, error) {
	if token != "" {
		return &Credentials{Token: token}, nil
	}
	if tokenPath == "" {
		return nil, ErrNoToken
	}

	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	t := strings.TrimSpace(string(data))
	if t == "" {
		return nil, fmt.Errorf("token file %s is empty", tokenPath)
	}

	return &Credentials{Token: t}, nil
}

// Header returns the authorization headers for a WebSocket dial.
func (c *Credentials) Header() http.Header {
	h := http.Header{}
	if c != nil && c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	return h
}

// Redacted returns a log-safe form of the token.
func (c *Credentials) Redacted() string {
	if c == nil || c.Token == "" {
		return ""
	}
	if len(c.Token) <= 8 {
		return "****"
	}
	return c.Token[:4] + "****" + c.Token[len(c.Token)-4:]
}
