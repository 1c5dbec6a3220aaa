package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"vestnik/internal/api"
	"vestnik/internal/config"
)

func IssueToken(userID string, cfg *config.RelayConfig, out io.Writer) error {
	reqBody, err := json.Marshal(api.IssueTokenRequest{UserID: userID})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/tokens", cfg.AdminAddr)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the relay running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to issue token (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.IssueTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	_, _ = fmt.Fprintf(out, "\nToken Issued Successfully!\n")
	_, _ = fmt.Fprintf(out, "User:     %s\n", result.UserID)
	_, _ = fmt.Fprintf(out, "Token:    %s\n", result.Token)
	_, _ = fmt.Fprintf(out, "Expires:  %d\n\n", result.ExpiresAt)
	_, _ = fmt.Fprintln(out, "Export it as VESTNIK_TOKEN for the connect command.")
	return nil
}
