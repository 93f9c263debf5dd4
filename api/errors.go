package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-mediaupload/transfer"
)

type errorResponse struct {
	Error        string `json:"error"`
	Developer    string `json:"developer_message"`
	ErrorCode    int    `json:"error_code"`
	InvalidField string `json:"invalid_field,omitempty"`
}

// statusError maps an unexpected response to the transfer error taxonomy.
// sessionID is set for calls on an upload session, where 404 and 410 mean the session is gone.
func statusError(op string, resp *http.Response, sessionID string) error {
	message := readErrorMessage(resp)
	cause := fmt.Errorf("HTTP %d: %s", resp.StatusCode, message)

	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized:
		return &transfer.AuthError{StatusCode: code, Message: message}
	case code == http.StatusForbidden:
		if isQuotaMessage(message) {
			return &transfer.QuotaError{StatusCode: code, Message: message}
		}
		return &transfer.AuthError{StatusCode: code, Message: message}
	case code == http.StatusRequestEntityTooLarge, code == http.StatusInsufficientStorage:
		return &transfer.QuotaError{StatusCode: code, Message: message}
	case (code == http.StatusNotFound || code == http.StatusGone) && sessionID != "":
		return &transfer.SessionExpiredError{SessionID: sessionID, Err: cause}
	case code == http.StatusBadRequest, code == http.StatusRequestedRangeNotSatisfiable, code == http.StatusConflict:
		return &transfer.ProtocolMismatchError{Reason: op, Err: cause}
	case code == http.StatusTooManyRequests, code == http.StatusServiceUnavailable:
		return &transfer.ServerBusyError{
			Op:         op,
			StatusCode: code,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Err:        cause,
		}
	case code >= 500:
		return &transfer.TransientNetworkError{Op: op, Err: cause}
	}

	return fmt.Errorf("%s: %w", op, cause)
}

func readErrorMessage(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return resp.Status
	}

	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		if parsed.Developer != "" {
			return fmt.Sprintf("%s (%s)", parsed.Error, parsed.Developer)
		}
		return parsed.Error
	}

	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return resp.Status
}

func isQuotaMessage(message string) bool {
	lower := strings.ToLower(message)
	for _, word := range []string{"quota", "space", "storage", "limit"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// parseRetryAfter accepts both the delay-seconds and the HTTP-date form.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}

	return 0
}
