package agentcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ErrAuthFailed is returned by fetchToken when the Controller rejects the
// configured credentials. It is not retried any differently from transient
// errors — the operator may fix the credentials while the agent keeps
// backing off — but it is logged distinctly.
var ErrAuthFailed = errors.New("agentcore: authentication failed")

// tokenReply mirrors the Controller's POST /token response envelope.
type tokenReply struct {
	Data struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	} `json:"data"`
}

// fetchToken exchanges the configured credentials for a short-lived bearer
// token via the Controller's bootstrap POST /token endpoint.
func fetchToken(ctx context.Context, client *http.Client, controllerURL, username, password string) (string, error) {
	form := url.Values{
		"username": {username},
		"password": {password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(controllerURL, "/")+"/token",
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return "", fmt.Errorf("agentcore: building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("agentcore: token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", ErrAuthFailed
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agentcore: token request: unexpected status %d", resp.StatusCode)
	}

	var reply tokenReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", fmt.Errorf("agentcore: decoding token response: %w", err)
	}
	if reply.Data.AccessToken == "" {
		return "", errors.New("agentcore: token response carried no access_token")
	}
	return reply.Data.AccessToken, nil
}
