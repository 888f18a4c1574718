// Package feed implements the streaming market-data client: a resilient
// websocket consumer with chunked subscriptions, application-layer
// ping/pong, and reconnect with exponential backoff.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"polymarket-monitor/internal/config"
)

const (
	writeTimeout   = 10 * time.Second
	messageBufSize = 256
)

// subscribeFrame is the initial subscription, sent on connect and resync.
type subscribeFrame struct {
	Type                 string   `json:"type"`
	AssetIDs             []string `json:"assets_ids"`
	CustomFeatureEnabled bool     `json:"custom_feature_enabled"`
	InitialDump          bool     `json:"initial_dump"`
}

// operationFrame is the incremental subscribe/unsubscribe form, used while
// the connection is already open.
type operationFrame struct {
	AssetIDs             []string `json:"assets_ids"`
	Operation            string   `json:"operation"`
	CustomFeatureEnabled bool     `json:"custom_feature_enabled"`
}

// Client maintains one websocket connection to the market feed. Classified
// messages are delivered on Messages(); the consumer decides what to do
// with them.
type Client struct {
	cfg    config.ClobConfig
	url    string
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	desiredMu sync.RWMutex
	desired   map[string]bool

	msgCh chan Message

	closeOnce sync.Once
	closed    chan struct{}
}

func NewClient(cfg config.ClobConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		url:     resolveURL(cfg.WSURL, cfg.Channel),
		logger:  logger.With("component", "feed"),
		desired: make(map[string]bool),
		msgCh:   make(chan Message, messageBufSize),
		closed:  make(chan struct{}),
	}
}

// resolveURL appends /ws/<channel> unless the URL already carries a /ws/
// path segment.
func resolveURL(wsURL, channel string) string {
	if strings.Contains(wsURL, "/ws/") {
		return wsURL
	}
	return strings.TrimRight(wsURL, "/") + "/ws/" + channel
}

// Messages returns the channel of classified inbound messages.
func (c *Client) Messages() <-chan Message { return c.msgCh }

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled or Close is called.
func (c *Client) Run(ctx context.Context) error {
	initial := time.Duration(c.cfg.ReconnectBackoffSec) * time.Second
	if initial <= 0 {
		initial = time.Second
	}
	maxWait := time.Duration(c.cfg.ReconnectMaxSec) * time.Second
	if maxWait < initial {
		maxWait = initial
	}
	backoff := initial

	for {
		progressed, err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-c.closed:
			return nil
		default:
		}
		if progressed {
			backoff = initial
		}

		c.logger.Warn("feed disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxWait {
			backoff = maxWait
		}
	}
}

// Subscribe replaces the desired token set. When connected, only the diff
// is sent as incremental subscribe/unsubscribe operations; a disconnected
// client just records the set for the next reconnect.
func (c *Client) Subscribe(ctx context.Context, tokenIDs []string) error {
	c.desiredMu.Lock()
	var added, removed []string
	next := make(map[string]bool, len(tokenIDs))
	for _, id := range tokenIDs {
		next[id] = true
		if !c.desired[id] {
			added = append(added, id)
		}
	}
	for id := range c.desired {
		if !next[id] {
			removed = append(removed, id)
		}
	}
	c.desired = next
	c.desiredMu.Unlock()

	if !c.connected() {
		return nil
	}
	sort.Strings(added)
	sort.Strings(removed)
	if err := c.sendOperation(added, "subscribe"); err != nil {
		return err
	}
	return c.sendOperation(removed, "unsubscribe")
}

// Resubscribe re-sends the full desired set via the initial subscribe form.
// Used by the orchestrator after a sequence gap.
func (c *Client) Resubscribe(ctx context.Context) error {
	if !c.connected() {
		return nil
	}
	return c.sendInitialSubscription()
}

// Close terminates the connection and stops the reconnect loop. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// connectAndRead returns whether at least one message was read, so the
// caller can reset the reconnect backoff.
func (c *Client) connectAndRead(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	if err := c.sendInitialSubscription(); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	c.logger.Info("feed connected", "url", c.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	if c.cfg.PingIntervalSec > 0 {
		go c.pingLoop(pingCtx)
	}

	progressed := false
	for {
		if ctx.Err() != nil {
			return progressed, ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return progressed, fmt.Errorf("read: %w", err)
		}
		progressed = true
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	switch controlKind(data) {
	case "ping":
		if err := c.writeText([]byte(c.cfg.PongMessage)); err != nil {
			c.logger.Warn("pong reply failed", "error", err)
		}
		return
	case "pong":
		return
	}

	messages := ParseFrame(data)
	if messages == nil {
		c.logger.Debug("dropping undecodable frame", "size", len(data))
		return
	}
	for _, msg := range messages {
		select {
		case c.msgCh <- msg:
		default:
			c.logger.Warn("message buffer full, dropping", "token_id", msg.TokenID)
		}
	}
}

func (c *Client) sendInitialSubscription() error {
	c.desiredMu.RLock()
	ids := make([]string, 0, len(c.desired))
	for id := range c.desired {
		ids = append(ids, id)
	}
	c.desiredMu.RUnlock()
	sort.Strings(ids)

	for _, chunk := range c.chunk(ids, func(chunk []string) any {
		return subscribeFrame{
			Type:                 c.cfg.Channel,
			AssetIDs:             chunk,
			CustomFeatureEnabled: c.cfg.CustomFeatureEnabled,
			InitialDump:          c.cfg.InitialDump,
		}
	}) {
		if err := c.writeJSON(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendOperation(ids []string, operation string) error {
	if len(ids) == 0 {
		return nil
	}
	for _, chunk := range c.chunk(ids, func(chunk []string) any {
		return operationFrame{
			AssetIDs:             chunk,
			Operation:            operation,
			CustomFeatureEnabled: c.cfg.CustomFeatureEnabled,
		}
	}) {
		if err := c.writeJSON(chunk); err != nil {
			return err
		}
	}
	return nil
}

// chunk splits ids into the smallest number of balanced chunks whose
// serialized frames each fit max_frame_bytes. The union of chunks always
// equals the input set.
func (c *Client) chunk(ids []string, frame func([]string) any) []any {
	if len(ids) == 0 {
		return []any{frame(nil)}
	}
	maxBytes := c.cfg.MaxFrameBytes
	for parts := 1; ; parts++ {
		chunks := splitBalanced(ids, parts)
		frames := make([]any, len(chunks))
		fits := true
		for i, chunk := range chunks {
			frames[i] = frame(chunk)
			if maxBytes > 0 {
				encoded, err := json.Marshal(frames[i])
				if err == nil && len(encoded) > maxBytes {
					fits = false
				}
			}
		}
		if fits || parts >= len(ids) {
			return frames
		}
	}
}

func splitBalanced(ids []string, parts int) [][]string {
	if parts <= 1 || len(ids) <= 1 {
		return [][]string{ids}
	}
	if parts > len(ids) {
		parts = len(ids)
	}
	chunks := make([][]string, 0, parts)
	base := len(ids) / parts
	extra := len(ids) % parts
	start := 0
	for i := 0; i < parts; i++ {
		size := base
		if i < extra {
			size++
		}
		chunks = append(chunks, ids[start:start+size])
		start += size
	}
	return chunks
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(c.cfg.PingIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeText([]byte(c.cfg.PingMessage)); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *Client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeText(data)
}

func (c *Client) writeText(data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
