package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Persister is the request/response channel that durably stores messages,
// independent of the live connection.
type Persister interface {
	SendMessage(ctx context.Context, req PersistRequest) (*PersistAck, error)
	// GetMessages returns a conversation most-recent-first.
	GetMessages(ctx context.Context, conversationID string) ([]Message, error)
	MarkAsRead(ctx context.Context, conversationID, userID string) error
}

// tokenSetter is implemented by persisters that authenticate with the same
// credential as the real-time session.
type tokenSetter interface {
	SetToken(token string)
}

// ============================================================================
// HTTPPersister
// ============================================================================

// HTTPPersister talks to the backend's REST API.
type HTTPPersister struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// HTTPPersisterOption configures an HTTPPersister.
type HTTPPersisterOption func(*HTTPPersister)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) HTTPPersisterOption {
	return func(p *HTTPPersister) { p.httpClient = client }
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(timeout time.Duration) HTTPPersisterOption {
	return func(p *HTTPPersister) { p.httpClient.Timeout = timeout }
}

// NewHTTPPersister creates a persister rooted at baseURL.
func NewHTTPPersister(baseURL string, opts ...HTTPPersisterOption) *HTTPPersister {
	p := &HTTPPersister{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetToken sets or updates the bearer token.
func (p *HTTPPersister) SetToken(token string) {
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
}

func conversationPath(conversationID, suffix string) string {
	return "/api/conversations/" + url.PathEscape(conversationID) + suffix
}

// SendMessage stores a message. The local id doubles as an idempotency key
// so a retried request does not create a second copy.
func (p *HTTPPersister) SendMessage(ctx context.Context, req PersistRequest) (*PersistAck, error) {
	res, err := p.do(ctx, http.MethodPost, conversationPath(req.ConversationID, "/messages"), req, map[string]string{
		"Idempotency-Key": req.LocalID,
	})
	if err != nil {
		return nil, err
	}
	var ack PersistAck
	if err := res.Decode(&ack); err != nil {
		return nil, fmt.Errorf("failed to decode ack: %w", err)
	}
	return &ack, nil
}

// GetMessages fetches the stored history, most-recent-first.
func (p *HTTPPersister) GetMessages(ctx context.Context, conversationID string) ([]Message, error) {
	res, err := p.do(ctx, http.MethodGet, conversationPath(conversationID, "/messages"), nil, nil)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := res.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	for i := range msgs {
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = conversationID
		}
		msgs[i].DeliveryState = DeliveryPersisted
	}
	return msgs, nil
}

// MarkAsRead records that userID has read the conversation.
func (p *HTTPPersister) MarkAsRead(ctx context.Context, conversationID, userID string) error {
	_, err := p.do(ctx, http.MethodPost, conversationPath(conversationID, "/read"), map[string]string{
		"userId": userID,
	}, nil)
	return err
}

func (p *HTTPPersister) do(ctx context.Context, method, path string, body any, headers map[string]string) (*APIResult, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	p.mu.RLock()
	token := p.token
	p.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var res APIResult
	if len(data) > 0 {
		if err := json.Unmarshal(data, &res); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	if resp.StatusCode >= 300 || !res.OK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if res.Error != nil {
			apiErr.Code = res.Error.Code
			apiErr.Message = res.Error.Message
		}
		return nil, apiErr
	}
	return &res, nil
}

// ============================================================================
// MemoryPersister
// ============================================================================

// MemoryPersister is an in-process Persister, useful offline and in tests.
type MemoryPersister struct {
	mu     sync.Mutex
	seq    int
	byConv map[string][]Message
	byKey  map[string]PersistAck
	reads  map[string]map[string]time.Time
	now    func() time.Time
}

// NewMemoryPersister creates an empty in-memory persister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{
		byConv: make(map[string][]Message),
		byKey:  make(map[string]PersistAck),
		reads:  make(map[string]map[string]time.Time),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (p *MemoryPersister) SendMessage(_ context.Context, req PersistRequest) (*PersistAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if req.LocalID != "" {
		if ack, ok := p.byKey[req.LocalID]; ok {
			return &ack, nil
		}
	}
	p.seq++
	ack := PersistAck{ID: fmt.Sprintf("m%d", p.seq), Timestamp: p.now()}
	p.byConv[req.ConversationID] = append(p.byConv[req.ConversationID], Message{
		ID:             ack.ID,
		LocalID:        req.LocalID,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Text:           req.Text,
		Timestamp:      ack.Timestamp,
		DeliveryState:  DeliveryPersisted,
	})
	if req.LocalID != "" {
		p.byKey[req.LocalID] = ack
	}
	return &ack, nil
}

func (p *MemoryPersister) GetMessages(_ context.Context, conversationID string) ([]Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stored := p.byConv[conversationID]
	out := make([]Message, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		out = append(out, stored[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (p *MemoryPersister) MarkAsRead(_ context.Context, conversationID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reads[conversationID] == nil {
		p.reads[conversationID] = make(map[string]time.Time)
	}
	p.reads[conversationID][userID] = p.now()
	return nil
}

// ReadAt reports when userID last marked the conversation read.
func (p *MemoryPersister) ReadAt(conversationID, userID string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.reads[conversationID][userID]
	return t, ok
}
