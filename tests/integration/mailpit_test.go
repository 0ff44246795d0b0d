//go:build integration

package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// MailpitClient reads the inbox of the Mailpit container the queue delivers to.
type MailpitClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewMailpitClient creates a client for the Mailpit API at host:port.
func NewMailpitClient(host string, port int) *MailpitClient {
	return &MailpitClient{
		baseURL:    fmt.Sprintf("http://%s:%d/api/v1", host, port),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// MailpitMessage is a received email as Mailpit reports it.
type MailpitMessage struct {
	ID      string           `json:"ID"`
	From    MailpitAddress   `json:"From"`
	To      []MailpitAddress `json:"To"`
	Subject string           `json:"Subject"`
	Snippet string           `json:"Snippet"`
	Text    string           `json:"Text"` // only in GetMessageByID
	HTML    string           `json:"HTML"` // only in GetMessageByID
}

// MailpitAddress represents an email address.
type MailpitAddress struct {
	Address string `json:"Address"`
	Name    string `json:"Name"`
}

// SentTo reports whether address is among the To recipients.
func (m MailpitMessage) SentTo(address string) bool {
	for _, to := range m.To {
		if to.Address == address {
			return true
		}
	}
	return false
}

type messagesResponse struct {
	Messages []MailpitMessage `json:"messages"`
	Total    int              `json:"messages_count"`
}

func (c *MailpitClient) getJSON(path string, v any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("get %s: status %d: %s", path, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// GetMessages returns all messages in the inbox, newest first.
func (c *MailpitClient) GetMessages() ([]MailpitMessage, error) {
	var result messagesResponse
	if err := c.getJSON("/messages", &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// GetMessageByID returns a single message with its text and HTML bodies.
func (c *MailpitClient) GetMessageByID(id string) (*MailpitMessage, error) {
	var msg MailpitMessage
	if err := c.getJSON("/message/"+url.PathEscape(id), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SearchByRecipient returns messages addressed to email.
func (c *MailpitClient) SearchByRecipient(email string) ([]MailpitMessage, error) {
	var result messagesResponse
	if err := c.getJSON("/search?query="+url.QueryEscape("to:"+email), &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// DeleteAllMessages clears the inbox.
func (c *MailpitClient) DeleteAllMessages() error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/messages", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete messages: status %d", resp.StatusCode)
	}
	return nil
}

// MessageCount returns the current number of messages in the inbox.
func (c *MailpitClient) MessageCount() (int, error) {
	messages, err := c.GetMessages()
	if err != nil {
		return 0, err
	}
	return len(messages), nil
}

// WaitForMessages polls until at least count messages arrived or timeout passes.
func (c *MailpitClient) WaitForMessages(count int, timeout time.Duration) ([]MailpitMessage, error) {
	return c.waitFor(timeout, fmt.Sprintf("%d messages", count), count, c.GetMessages)
}

// WaitForRecipient polls until a message to email arrived or timeout passes.
func (c *MailpitClient) WaitForRecipient(email string, timeout time.Duration) ([]MailpitMessage, error) {
	return c.waitFor(timeout, "a message to "+email, 1, func() ([]MailpitMessage, error) {
		return c.SearchByRecipient(email)
	})
}

func (c *MailpitClient) waitFor(timeout time.Duration, what string, count int, list func() ([]MailpitMessage, error)) ([]MailpitMessage, error) {
	deadline := time.Now().Add(timeout)
	var (
		messages []MailpitMessage
		lastErr  error
	)
	for {
		messages, lastErr = list()
		if lastErr == nil && len(messages) >= count {
			return messages, nil
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	if lastErr != nil {
		return messages, fmt.Errorf("timeout waiting for %s: %w", what, lastErr)
	}
	return messages, fmt.Errorf("timeout waiting for %s, got %d", what, len(messages))
}
