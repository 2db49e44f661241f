// Package agent implements the Agent side of the Relay Plane (C8): it dials
// a Controller's control channel, answers REQUEST_FILE by streaming a
// locally shared file back over HTTP multipart, and can push its share
// index to the Controller.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/soulfired/soulfired/internal/relay"
	"github.com/soulfired/soulfired/internal/shareindex"
	"github.com/soulfired/soulfired/internal/slog"
)

// Resolver resolves a masked filename to a local absolute path, typically
// the Agent's own Share Indexer.
type Resolver interface {
	Resolve(masked string) (string, error)
}

// Client is the Agent-side relay connection.
type Client struct {
	Name          string
	Secret        string
	ControllerURL string // e.g. "http://controller:5030/api/v0/network"
	Resolve       Resolver
	MaxFileSize   int64

	httpClient *http.Client
}

// Run dials the Controller's control channel and processes REQUEST_FILE
// frames until ctx is cancelled, reconnecting with exponential backoff on
// any disconnect (mirroring the Soulseek Supervisor's reconnect style).
func (c *Client) Run(ctx context.Context) {
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	b := &backoff.Backoff{Min: time.Second, Max: 300 * time.Second, Factor: 2, Jitter: true}

	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectAndServe(ctx); err != nil {
			slog.Errorf(c.Name, "relay control channel: %v", err)
		}
		delay := b.Duration()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.Secret)

	wsURL := websocketScheme(c.ControllerURL) + "/agents/" + c.Name + "/channel"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return err
	}
	defer conn.Close()
	slog.Logf(c.Name, "relay control channel connected")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg relay.ControlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.Kind {
		case relay.ControlRequestFile:
			go c.handleRequestFile(ctx, msg.ID, msg.Filename)
		case relay.ControlPong:
		}
	}
}

// handleRequestFile resolves filename locally and streams it to the
// Controller's /files/{agent}/{id} endpoint without buffering it to memory.
// A failure before the POST starts (resolve, open, size check) sends nothing,
// and the Controller's pending request times out; a failure while streaming
// closes the body early, and the Controller sees the read fail.
func (c *Client) handleRequestFile(ctx context.Context, id, filename string) {
	absPath, err := c.Resolve.Resolve(filename)
	if err != nil {
		slog.Errorf(c.Name, "relay request %s: cannot resolve %q: %v", id, filename, err)
		return
	}
	f, err := os.Open(absPath)
	if err != nil {
		slog.Errorf(c.Name, "relay request %s: open %q: %v", id, absPath, err)
		return
	}
	defer f.Close()

	if info, statErr := f.Stat(); statErr == nil && c.MaxFileSize > 0 && info.Size() > c.MaxFileSize {
		slog.Errorf(c.Name, "relay request %s: %q exceeds max file size", id, filename)
		return
	}

	credential := relay.Credential(c.Secret, id, c.Name, filename)

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer pw.Close()
		if err := mw.WriteField("credential", credential); err != nil {
			pw.CloseWithError(err)
			return
		}
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	url := c.ControllerURL + "/files/" + c.Name + "/" + id
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		slog.Errorf(c.Name, "relay request %s: build POST: %v", id, err)
		return
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Errorf(c.Name, "relay request %s: POST failed: %v", id, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Errorf(c.Name, "relay request %s: controller returned %d", id, resp.StatusCode)
	}
}

// UploadShares pushes entries (and the portable index database at dbPath,
// if non-empty) to the Controller, replacing this Agent's slice of its
// Share Indexer.
func (c *Client) UploadShares(ctx context.Context, entries []shareindex.HostEntry, dbPath string) error {
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer pw.Close()
		if err := mw.WriteField("credential", c.Secret); err != nil {
			pw.CloseWithError(err)
			return
		}
		descPart, err := mw.CreateFormField("description")
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		buf, err := json.Marshal(entries)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(descPart, bytes.NewReader(buf)); err != nil {
			pw.CloseWithError(err)
			return
		}
		if dbPath != "" {
			if f, err := os.Open(dbPath); err == nil {
				defer f.Close()
				if dbPart, err := mw.CreateFormFile("database", "shares.db"); err == nil {
					io.Copy(dbPart, f)
				}
			}
		}
		pw.CloseWithError(mw.Close())
	}()

	id := time.Now().UTC().Format("20060102T150405.000000000")
	url := c.ControllerURL + "/shares/" + c.Name + "/" + id
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &relayStatusError{status: resp.StatusCode}
	}
	return nil
}

// websocketScheme rewrites an http(s) Controller URL to its ws(s)
// equivalent, since the control channel shares the same host/port as the
// file and share-index POST endpoints but dials as a websocket.
func websocketScheme(controllerURL string) string {
	switch {
	case strings.HasPrefix(controllerURL, "https://"):
		return "wss://" + strings.TrimPrefix(controllerURL, "https://")
	case strings.HasPrefix(controllerURL, "http://"):
		return "ws://" + strings.TrimPrefix(controllerURL, "http://")
	default:
		return controllerURL
	}
}

type relayStatusError struct{ status int }

func (e *relayStatusError) Error() string {
	return http.StatusText(e.status)
}
