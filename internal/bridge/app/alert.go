package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bdobrica/ruriko-bridge/common/retry"
)

// alertHTTPClient is shared by every postAlert call; alert delivery is best
// effort and must never block a reconcile pass, so it carries its own
// short timeout independent of the reconcile context.
var alertHTTPClient = &http.Client{Timeout: 5 * time.Second}

// postAlert forwards a reconciler alert as a plain-text POST to alertURL,
// mirroring the ntfy.sh convention of a topic in the path and the message
// as the raw body — the simplest sink that needs no client library of its
// own. A transient failure is retried a couple of times, since an alert
// about a struggling agent is exactly the kind of message worth not
// dropping on one dropped connection; delivery is still best-effort
// overall and this function only reports the last attempt's error.
func postAlert(alertURL, alertTopic, agentID, message string) error {
	url := alertURL
	if alertTopic != "" {
		url = fmt.Sprintf("%s/%s", alertURL, alertTopic)
	}
	body := fmt.Sprintf("[%s] %s", agentID, message)

	return retry.Do(context.Background(), retry.Config{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}, func() error {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(body)))
		if err != nil {
			return fmt.Errorf("alert: build request: %w", err)
		}
		resp, err := alertHTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("alert: post: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("alert: sink returned %s", resp.Status)
		}
		return nil
	})
}
