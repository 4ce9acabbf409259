package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Session is one leased headless-browser instance on the browser farm.
type Session struct {
	ID    string `json:"id"`
	WSURL string `json:"wsUrl"`
}

type sessionRequest struct {
	Width      int  `json:"width"`
	Height     int  `json:"height"`
	Headless   bool `json:"headless"`
	LiveViewer bool `json:"liveViewer"`
	TimeoutSec int  `json:"timeoutSec"`
}

// createSession leases a browser from the farm's REST API.
func (r *Recorder) createSession(ctx context.Context, width, height int) (Session, error) {
	body, err := json.Marshal(sessionRequest{
		Width:      width,
		Height:     height,
		Headless:   true,
		LiveViewer: false,
		TimeoutSec: int(r.sessionTimeout.Seconds()),
	})
	if err != nil {
		return Session{}, fmt.Errorf("encode session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.endpoint+"/session", bytes.NewReader(body))
	if err != nil {
		return Session{}, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Session{}, fmt.Errorf("create browser session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		io.Copy(io.Discard, resp.Body)
		return Session{}, fmt.Errorf("create browser session: farm returned %d", resp.StatusCode)
	}

	var sess Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return Session{}, fmt.Errorf("decode session response: %w", err)
	}
	if sess.WSURL == "" {
		return Session{}, fmt.Errorf("session response missing websocket url")
	}
	return sess, nil
}

// releaseSession returns the browser to the farm. Best effort: a leaked
// session expires on its own timeout.
func (r *Recorder) releaseSession(sess Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		r.endpoint+"/session/"+sess.ID, nil)
	if err != nil {
		return
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.log.Warn("Failed to release browser session", "session_id", sess.ID, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
}

// normalizeURL prepends https where the scene author omitted the scheme.
func normalizeURL(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return "https://" + raw
}
