package remote

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

	"github.com/offlinekit/msgsync/internal/bus"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Gateway talks to the remote message gateway: a websocket feed per
// conversation plus JSON-over-HTTP point writes. It also acts as the
// connectivity signal, publishing net.online / net.offline bus events
// as feed connections come and go.
type Gateway struct {
	baseURL    string
	token      string
	httpClient *http.Client
	bus        *bus.Bus
	logger     *zap.Logger
}

const (
	defaultHTTPTimeout = 30 * time.Second
	redialDelay        = 2 * time.Second
)

// NewGateway creates a gateway client for the given base URL.
func NewGateway(baseURL, token string, b *bus.Bus, logger *zap.Logger) *Gateway {
	return &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		bus:        b,
		logger:     logger,
	}
}

// Subscribe opens a websocket feed for the conversation and pumps its
// frames into the returned subscription. The pump redials with a short
// delay on connection loss and exits on Unsubscribe.
func (g *Gateway) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	sub := NewSubscription(256)
	go g.pump(ctx, conversationID, sub)
	return sub, nil
}

func (g *Gateway) pump(ctx context.Context, conversationID string, sub *Subscription) {
	for {
		select {
		case <-sub.Done():
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := g.readFeed(ctx, conversationID, sub); err != nil {
			g.logger.Warn("feed connection lost",
				zap.String("conversation_id", conversationID), zap.Error(err))
			g.bus.Publish(bus.KindNetOffline, conversationID)
		}

		select {
		case <-sub.Done():
			return
		case <-ctx.Done():
			return
		case <-time.After(redialDelay):
		}
	}
}

func (g *Gateway) readFeed(ctx context.Context, conversationID string, sub *Subscription) error {
	wsURL := g.wsBaseURL() + "/v1/conversations/" + url.PathEscape(conversationID) + "/feed"
	if g.token != "" {
		wsURL += "?token=" + url.QueryEscape(g.token)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	g.bus.Publish(bus.KindNetOnline, conversationID)

	for {
		select {
		case <-sub.Done():
			return nil
		default:
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("websocket read: %w", err)
		}

		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			g.logger.Warn("undecodable feed frame", zap.Error(err))
			continue
		}
		if !sub.Deliver(ctx, rec) {
			return nil
		}
	}
}

// FetchSince pulls up to limit records after cursor.
func (g *Gateway) FetchSince(ctx context.Context, conversationID, cursor string, limit int) ([]Record, string, error) {
	u := g.baseURL + "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	q := url.Values{}
	if cursor != "" {
		q.Set("after", cursor)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var resp struct {
		Records    []Record `json:"records"`
		NextCursor string   `json:"next_cursor"`
	}
	if err := g.doJSON(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, "", err
	}
	return resp.Records, resp.NextCursor, nil
}

// SendMessage writes a message to the remote store. clientRef is the
// provisional id; the gateway echoes it on the feed so the client can
// tie the confirmed record back to its optimistic row.
func (g *Gateway) SendMessage(ctx context.Context, conversationID, clientRef, senderID, senderName, text string) (SendReceipt, error) {
	u := g.baseURL + "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	body := map[string]string{
		"client_ref":  clientRef,
		"sender_id":   senderID,
		"sender_name": senderName,
		"text":        text,
	}
	var resp struct {
		MessageID   string `json:"message_id"`
		ConfirmedAt int64  `json:"confirmed_at"`
	}
	if err := g.doJSON(ctx, http.MethodPost, u, body, &resp); err != nil {
		return SendReceipt{}, err
	}
	if resp.MessageID == "" {
		return SendReceipt{}, fmt.Errorf("gateway returned no message id")
	}
	return SendReceipt{MessageID: resp.MessageID, ConfirmedAt: resp.ConfirmedAt}, nil
}

// AckDelivered advances a peer message to delivered on the remote store.
func (g *Gateway) AckDelivered(ctx context.Context, conversationID, messageID, userID string) error {
	u := g.baseURL + "/v1/conversations/" + url.PathEscape(conversationID) +
		"/messages/" + url.PathEscape(messageID) + "/delivered"
	return g.doJSON(ctx, http.MethodPost, u, map[string]string{"user_id": userID}, nil)
}

// MarkRead records a read receipt on the remote store.
func (g *Gateway) MarkRead(ctx context.Context, conversationID, messageID, userID string) error {
	u := g.baseURL + "/v1/conversations/" + url.PathEscape(conversationID) +
		"/messages/" + url.PathEscape(messageID) + "/read"
	return g.doJSON(ctx, http.MethodPost, u, map[string]string{"user_id": userID}, nil)
}

func (g *Gateway) doJSON(ctx context.Context, method, u string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway %s %s: status %d: %s", method, u, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (g *Gateway) wsBaseURL() string {
	u := strings.Replace(g.baseURL, "https://", "wss://", 1)
	return strings.Replace(u, "http://", "ws://", 1)
}
