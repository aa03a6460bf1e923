package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"pwrec/internal/models"
)

// Embed represents a minimal Discord embed payload.
// See: https://discord.com/developers/docs/resources/channel#embed-object-embed-structure
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

type EmbedFooter struct {
	Text string `json:"text,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// WebhookPayload is the JSON body for Discord webhooks.
type WebhookPayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

var client = &http.Client{Timeout: 8 * time.Second}

// Post sends a JSON webhook to the provided URL. Returns the HTTP status code and any error.
func Post(ctx context.Context, webhookURL string, payload WebhookPayload) (int, error) {
	if webhookURL == "" {
		return 0, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// NewEmbed creates an embed with timestamp set to now in RFC3339 format.
func NewEmbed(title, description string, color int, footer string) Embed {
	return Embed{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Footer:      &EmbedFooter{Text: footer},
	}
}

// AlertEmbed renders a connection alert. Context values become inline fields in key order.
func AlertEmbed(a models.ConnectionAlert, color int) Embed {
	e := NewEmbed(fmt.Sprintf("[%s] %s alert", a.Severity, a.Type), a.Message, color, "pwrec")
	if !a.Timestamp.IsZero() {
		e.Timestamp = a.Timestamp.UTC().Format(time.RFC3339)
	}
	e.Fields = append(e.Fields, EmbedField{Name: "session", Value: a.SessionID, Inline: true})
	keys := make([]string, 0, len(a.Context))
	for k := range a.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.Fields = append(e.Fields, EmbedField{Name: k, Value: fmt.Sprint(a.Context[k]), Inline: true})
	}
	return e
}
