package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// PushNotifier posts notifications to a push gateway (FCM-style HTTP API).
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushNotifier(endpoint, key string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushMessage struct {
	Message struct {
		Topic string              `json:"topic"`
		Data  models.Notification `json:"data"`
	} `json:"message"`
}

func (p *PushNotifier) NotifyProvider(ctx context.Context, providerID string, n models.Notification) error {
	return p.post(ctx, string(RoleProvider)+"."+providerID, n)
}

func (p *PushNotifier) NotifyRequester(ctx context.Context, requesterID string, n models.Notification) error {
	return p.post(ctx, string(RoleRequester)+"."+requesterID, n)
}

func (p *PushNotifier) NotifyAdmins(ctx context.Context, n models.Notification) error {
	return p.post(ctx, string(RoleAdmin), n)
}

func (p *PushNotifier) post(ctx context.Context, topic string, n models.Notification) error {
	var msg pushMessage
	msg.Message.Topic = topic
	msg.Message.Data = n
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}
	return nil
}
