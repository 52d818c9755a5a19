package events

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event types emitted by the workflow layer.
const (
	TypePageClaimed   = "page.claimed"
	TypePageReleased  = "page.released"
	TypePageCompleted = "page.completed"
	TypePageAdminEdit = "page.admin_edit"
	TypeBookDeleted   = "book.deleted"
)

// Event is one workflow occurrence, published after the ledger write
// succeeded. Consumers (activity feeds, notification fan-out) read the
// stream independently.
type Event struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Book     string    `json:"book,omitempty"`
	Page     int       `json:"page,omitempty"`
	UserID   string    `json:"userId,omitempty"`
	UserName string    `json:"userName,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher records workflow events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// RedisPublisher appends events to a capped redis stream.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

type RedisConfig struct {
	Addr     string
	Password string
	Stream   string
	MaxLen   int64
}

func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("event stream required")
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisPublisher{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream: stream,
		maxLen: maxLen,
	}, nil
}

// NewRedisPublisherWithClient shares an existing client, used by tests and
// by callers that already hold a connection.
func NewRedisPublisherWithClient(client *redis.Client, stream string, maxLen int64) *RedisPublisher {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":        ev.ID,
			"type":      ev.Type,
			"book":      ev.Book,
			"page":      strconv.Itoa(ev.Page),
			"user_id":   ev.UserID,
			"user_name": ev.UserName,
			"at":        ev.At.Format(time.RFC3339Nano),
		},
	}).Err()
}

// Recent returns up to count latest events, newest first.
func (p *RedisPublisher) Recent(ctx context.Context, count int64) ([]Event, error) {
	if count <= 0 {
		count = 50
	}
	msgs, err := p.client.XRevRangeN(ctx, p.stream, "+", "-", count).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, decodeEvent(msg))
	}
	return out, nil
}

func decodeEvent(msg redis.XMessage) Event {
	ev := Event{}
	if v, ok := msg.Values["id"].(string); ok {
		ev.ID = v
	}
	if v, ok := msg.Values["type"].(string); ok {
		ev.Type = v
	}
	if v, ok := msg.Values["book"].(string); ok {
		ev.Book = v
	}
	if v, ok := msg.Values["page"].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			ev.Page = n
		}
	}
	if v, ok := msg.Values["user_id"].(string); ok {
		ev.UserID = v
	}
	if v, ok := msg.Values["user_name"].(string); ok {
		ev.UserName = v
	}
	if v, ok := msg.Values["at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			ev.At = t
		}
	}
	return ev
}

// NopPublisher drops events, for deployments without redis.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
