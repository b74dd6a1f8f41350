package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/arktis/msync/internal/store"
)

// DefaultGetSinceLimit is the server-side page size for incremental fetches.
const DefaultGetSinceLimit = 100

// HTTPClient implements Client against the message service's JSON API:
// plain HTTP for point and range operations, a WebSocket stream for live
// conversation snapshots.
type HTTPClient struct {
	baseURL string
	token   string
	hc      *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates a client for the given base URL. The token comes
// from the session manager and is sent as a bearer credential. timeout is
// the transport timeout; the engine imposes no further deadline on top.
func NewHTTPClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// wireMessage is the JSON representation of a message on the wire.
type wireMessage struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	SenderID       string           `json:"sender_id"`
	Text           string           `json:"text"`
	AuthoredAt     int64            `json:"authored_at"`
	ReadBy         map[string]int64 `json:"read_by,omitempty"`
	CreatedAt      int64            `json:"created_at"`
	UpdatedAt      int64            `json:"updated_at"`
}

func (w *wireMessage) toStore() *store.Message {
	return &store.Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Body:           w.Text,
		AuthoredAt:     w.AuthoredAt,
		ReadBy:         w.ReadBy,
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
	}
}

// Send creates the message remotely. The server answers 409 with the
// existing record when the id was already committed; that is success here,
// not an error (idempotency conflict).
func (c *HTTPClient) Send(ctx context.Context, messageID, conversationID, senderID, text string) (*store.Message, error) {
	payload, err := json.Marshal(wireMessage{
		ID:       messageID,
		SenderID: senderID,
		Text:     text,
	})
	if err != nil {
		return nil, fmt.Errorf("encode send: %w", err)
	}

	u := c.baseURL + "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", messageID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		// Created.
	case http.StatusConflict:
		c.logger.Debug("send idempotency conflict, using existing record",
			zap.String("message_id", messageID))
	default:
		return nil, c.statusError("send", resp)
	}

	var w wireMessage
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return nil, fmt.Errorf("decode send response: %w", err)
	}
	return w.toStore(), nil
}

// GetSince fetches remote messages with updated_at > cursor, newest first.
func (c *HTTPClient) GetSince(ctx context.Context, conversationID string, cursor int64, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = DefaultGetSinceLimit
	}
	u := c.baseURL + "/v1/conversations/" + url.PathEscape(conversationID) + "/messages" +
		"?since=" + strconv.FormatInt(cursor, 10) + "&limit=" + strconv.Itoa(limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get since %s: %w", conversationID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError("get since", resp)
	}

	var wire []wireMessage
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode get since response: %w", err)
	}
	msgs := make([]*store.Message, 0, len(wire))
	for i := range wire {
		msgs = append(msgs, wire[i].toStore())
	}
	return msgs, nil
}

// Subscribe opens the conversation's WebSocket stream and delivers each
// snapshot frame to onSnapshot until the stream closes or cancel is called.
// A stream dropped by the network or the server reports through onClose;
// cancelling does not.
func (c *HTTPClient) Subscribe(ctx context.Context, conversationID string, onSnapshot func([]*store.Message), onClose func(error)) (func(), error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) +
		"/v1/conversations/" + url.PathEscape(conversationID) + "/stream"

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	ctx, cancel := context.WithCancel(ctx)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", conversationID, err)
	}

	go func() {
		defer cancel()
		for {
			var wire []wireMessage
			if err := wsjson.Read(ctx, conn, &wire); err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("subscription stream closed",
						zap.String("conversation_id", conversationID), zap.Error(err))
					if onClose != nil {
						onClose(err)
					}
				}
				return
			}
			msgs := make([]*store.Message, 0, len(wire))
			for i := range wire {
				msgs = append(msgs, wire[i].toStore())
			}
			onSnapshot(msgs)
		}
	}()

	return func() {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "unsubscribed")
	}, nil
}

// Health probes the remote service. Used by the connectivity monitor.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *HTTPClient) statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrConversationNotFound)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, ErrPermissionDenied)
	default:
		return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
