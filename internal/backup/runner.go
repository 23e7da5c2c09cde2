// Package backup calls the Portainer backup API for one target and lands the
// produced archive in the output directory. The scheduler only ever sees the
// schedule.Runner function this package provides.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"opsdash/internal/config"
	logx "opsdash/pkg/logx"
)

type Client struct {
	http   *http.Client
	outDir string
	log    logx.Logger

	now func() time.Time
}

func NewClient(outDir string, timeout time.Duration, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		http:   &http.Client{Timeout: timeout},
		outDir: outDir,
		log:    log,
		now:    time.Now,
	}
}

// Run produces one backup artifact for the target and returns its path.
func (c *Client) Run(ctx context.Context, t config.Target) (string, error) {
	body, err := json.Marshal(map[string]string{"password": t.Password})
	if err != nil {
		return "", err
	}

	url := strings.TrimRight(t.Endpoint, "/") + "/api/backup"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.APIKey != "" {
		req.Header.Set("X-API-Key", t.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		// Bounded read so a large error page can't balloon the message.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("backup request: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	if err := os.MkdirAll(c.outDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s.tar.gz", sanitize(t.Name), c.now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(c.outDir, name)

	// Write via tmp+rename so a half-downloaded archive never looks like an
	// artifact.
	tmp, err := os.CreateTemp(c.outDir, "."+name+".*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}

	c.log.Debug("artifact written", logx.String("target", t.Name), logx.String("path", path))
	return path, nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
