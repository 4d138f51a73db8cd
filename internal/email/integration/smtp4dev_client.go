//go:build integration

// Package integration drives mailproc against a running smtp4dev server.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SMTP4DevClient talks to the smtp4dev v3 REST API.
type SMTP4DevClient struct {
	base   string
	client *http.Client
}

func NewSMTP4DevClient(base string, httpClient *http.Client) *SMTP4DevClient {
	if base == "" {
		base = "http://localhost:8025/api/v3"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &SMTP4DevClient{base: strings.TrimRight(base, "/"), client: httpClient}
}

type Mailbox struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Login string `json:"login"`
}

type Message struct {
	ID        string   `json:"id"`
	Subject   string   `json:"subject"`
	From      string   `json:"from"`
	To        []string `json:"to"`
	MailboxID string   `json:"mailboxId"`
}

// EnsureMailbox creates a login-backed mailbox and returns it.
func (c *SMTP4DevClient) EnsureMailbox(ctx context.Context, login, password string) (*Mailbox, error) {
	var box Mailbox
	body := map[string]string{"name": login, "login": login, "password": password}
	if err := c.do(ctx, http.MethodPost, "/mailboxes", body, &box); err != nil {
		return nil, err
	}
	return &box, nil
}

func (c *SMTP4DevClient) DeleteMailbox(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/mailboxes/"+url.PathEscape(id), nil, nil)
}

func (c *SMTP4DevClient) Purge(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/messages", nil, nil)
}

func (c *SMTP4DevClient) Messages(ctx context.Context, mailboxID string) ([]Message, error) {
	path := "/messages"
	if mailboxID != "" {
		path += "?mailboxId=" + url.QueryEscape(mailboxID)
	}
	var msgs []Message
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// WaitForSubject polls until a message whose subject contains token is
// stored, or ctx ends.
func (c *SMTP4DevClient) WaitForSubject(ctx context.Context, mailboxID, token string) (*Message, error) {
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		msgs, err := c.Messages(ctx, mailboxID)
		if err != nil {
			return nil, err
		}
		for i := range msgs {
			if strings.Contains(msgs[i].Subject, token) {
				return &msgs[i], nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("subject %q not delivered: %w", token, ctx.Err())
		case <-tick.C:
		}
	}
}

func (c *SMTP4DevClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("smtp4dev %s %s: %s (%s)", method, path, resp.Status, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
