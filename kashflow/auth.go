package kashflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/kashflow_sync/config"
	"bitbucket.org/mmdatafocus/kashflow_sync/utils"
)

// SessionToken obtains a KashFlow session token.
//
// If SESSION_TOKEN is configured it is returned directly. Otherwise the
// two-step flow runs: POST /sessiontoken with username/password yields a
// temporary token plus the memorable-word character positions required to
// upgrade it; PUT /sessiontoken with those characters yields the permanent
// session token. When no positions are required the temporary token is used.
func SessionToken(ctx context.Context) (string, error) {
	if token := utils.StringFromEnv("", "SESSION_TOKEN", "KASHFLOW_SESSION_TOKEN"); token != "" {
		return token, nil
	}

	username := utils.StringFromEnv("", "USERNAME", "KASHFLOW_USERNAME")
	password := utils.StringFromEnv("", "PASSWORD", "KASHFLOW_PASSWORD")
	memorableWord := utils.StringFromEnv("", "MEMORABLE_WORD", "KASHFLOW_MEMORABLE_WORD")
	if username == "" || password == "" {
		return "", errors.New("missing USERNAME or PASSWORD env vars for session token acquisition")
	}

	httpClient := &http.Client{Timeout: httpTimeout()}
	base := baseURL()

	step1, err := postSessionToken(ctx, httpClient, http.MethodPost, base, map[string]any{
		"Username":         username,
		"Password":         password,
		"KeepUserLoggedIn": false,
	})
	if err != nil {
		return "", fmt.Errorf("sessiontoken step1: %w", err)
	}

	tempToken := firstNonEmpty(step1.TemporaryToken, step1.TempToken, step1.TemToken, step1.Token)
	if tempToken == "" {
		return "", errors.New("no temporary token returned from KashFlow")
	}

	positions := step1.positions()
	if len(positions) == 0 {
		// Some deployments accept the temporary token as a bearer directly.
		config.GetLogger().Warn("No memorable word chars required; using temp token as session token")
		return tempToken, nil
	}
	if memorableWord == "" {
		return "", errors.New("memorable word required but MEMORABLE_WORD env var is missing")
	}

	list := make([]map[string]any, 0, len(positions))
	for _, pos := range positions {
		value := ""
		if pos >= 1 && pos <= len(memorableWord) {
			value = string(memorableWord[pos-1])
		}
		list = append(list, map[string]any{"Position": pos, "Value": value})
	}

	step2, err := postSessionToken(ctx, httpClient, http.MethodPut, base, map[string]any{
		"TemporaryToken":    tempToken,
		"MemorableWordList": list,
		"KeepUserLoggedIn":  false,
	})
	if err != nil {
		return "", fmt.Errorf("sessiontoken step2: %w", err)
	}

	sessionToken := firstNonEmpty(step2.SessionToken, step2.KFSessionToken, step2.Token, step2.TokenUpper)
	if sessionToken == "" {
		return "", errors.New("no permanent token returned from KashFlow")
	}
	return sessionToken, nil
}

type sessionTokenResponse struct {
	TemporaryToken string `json:"TemporaryToken"`
	TempToken      string `json:"tempToken"`
	TemToken       string `json:"TemToken"`
	Token          string `json:"token"`
	TokenUpper     string `json:"Token"`
	SessionToken   string `json:"SessionToken"`
	KFSessionToken string `json:"KFSessionToken"`

	// KashFlow returns positions either as a comma-separated string, a
	// numeric array, or a list of {Position} objects.
	MemorableWordPositions string          `json:"MemorableWordPositions"`
	RequiredChars          json.RawMessage `json:"requiredChars"`
	RequiredCharsUpper     json.RawMessage `json:"RequiredChars"`
	MemorableWordList      []struct {
		Position *int `json:"Position"`
	} `json:"MemorableWordList"`
}

func (r *sessionTokenResponse) positions() []int {
	if s := strings.TrimSpace(r.MemorableWordPositions); s != "" {
		return parsePositionString(s)
	}
	for _, raw := range []json.RawMessage{r.RequiredChars, r.RequiredCharsUpper} {
		if len(raw) == 0 {
			continue
		}
		var asString string
		if err := json.Unmarshal(raw, &asString); err == nil {
			if out := parsePositionString(asString); len(out) > 0 {
				return out
			}
			continue
		}
		var asNumbers []float64
		if err := json.Unmarshal(raw, &asNumbers); err == nil {
			out := make([]int, 0, len(asNumbers))
			for _, n := range asNumbers {
				out = append(out, int(n))
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	out := make([]int, 0, len(r.MemorableWordList))
	for _, entry := range r.MemorableWordList {
		if entry.Position != nil {
			out = append(out, *entry.Position)
		}
	}
	return out
}

func parsePositionString(s string) []int {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err == nil {
			out = append(out, n)
		}
	}
	return out
}

func postSessionToken(ctx context.Context, client *http.Client, method, base string, body map[string]any) (*sessionTokenResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, base+"/sessiontoken", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, respBody)
	}

	var parsed sessionTokenResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode sessiontoken response: %w", err)
	}
	return &parsed, nil
}

func httpTimeout() time.Duration {
	return time.Duration(utils.IntFromEnv("HTTP_TIMEOUT_MS", 30000)) * time.Millisecond
}
