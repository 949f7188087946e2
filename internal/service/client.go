package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"

	"github.com/CZERTAINLY/snapdoc/internal/render"
)

// host part of request URLs, the transport always dials the socket
const baseURL = "http://snapdoc"

var ErrStreamEnded = errors.New("job stream ended without a finished event")

// Client talks to the render service over its unix socket
type Client struct {
	socket string
	client *http.Client
}

func NewClient(socket string) *Client {
	dialer := &net.Dialer{}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socket)
		},
		DisableCompression: true,
	}
	return &Client{
		socket: socket,
		client: &http.Client{Transport: transport},
	}
}

func (c *Client) Socket() string {
	return c.socket
}

// Health probes the liveness of the service
func (c *Client) Health(ctx context.Context) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+pathHealth, nil)
	if err != nil {
		return Health{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Health{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if err := expect(resp, http.StatusOK, contentTypeJSON); err != nil {
		return Health{}, err
	}

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Health{}, fmt.Errorf("decoding json response failed: %w", err)
	}
	if h.Status != "ok" {
		return h, fmt.Errorf("service status: %s", h.Status)
	}
	return h, nil
}

// Render posts a job and calls f for every event of its stream. It
// returns once the finished event has been received, the stream broke or
// ctx was cancelled.
func (c *Client) Render(ctx context.Context, job render.Job, f func(Event)) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+pathJobs, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if err := expect(resp, http.StatusOK, contentTypeNDJSON); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return fmt.Errorf("decoding job event: %w", err)
		}
		f(ev)
		if ev.Type == EventFinished {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return ErrStreamEnded
}

// Shutdown asks the service to exit
func (c *Client) Shutdown(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+pathShutdown, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return expect(resp, http.StatusAccepted, "")
}

// expect checks the status code and the media type of a response, an
// empty media type is not checked
func expect(resp *http.Response, status int, mediaType string) error {
	if resp.StatusCode != status {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status: %d, body: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if mediaType == "" {
		return nil
	}
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("failed to parse response content type header: %w", err)
	}
	if contentType != mediaType {
		return fmt.Errorf("expected `%s` content type, got: %s", mediaType, contentType)
	}
	return nil
}
