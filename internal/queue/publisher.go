// Package queue publishes newly discovered companies to a Redis list for the
// enrichment workers.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CompanyEvent is the payload pushed for each new company.
type CompanyEvent struct {
	EventID        string    `json:"event_id"`
	UserID         string    `json:"user_id"`
	CompanyID      int64     `json:"company_id"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"normalized_name"`
	Website        string    `json:"website,omitempty"`
	EmailID        string    `json:"email_id"`
	DiscoveredAt   time.Time `json:"discovered_at"`
}

// Publisher pushes company events onto a Redis list with LPUSH; workers
// consume with BRPOP.
type Publisher struct {
	rdb       redis.Cmdable
	queueName string
}

// NewPublisher creates a publisher targeting queueName.
func NewPublisher(rdb redis.Cmdable, queueName string) *Publisher {
	return &Publisher{rdb: rdb, queueName: queueName}
}

// PublishCompany serializes ev and pushes it to the queue.
func (p *Publisher) PublishCompany(ctx context.Context, ev CompanyEvent) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.DiscoveredAt.IsZero() {
		ev.DiscoveredAt = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "queue: marshal company event")
	}
	if err := p.rdb.LPush(ctx, p.queueName, body).Err(); err != nil {
		return eris.Wrapf(err, "queue: LPUSH %s", p.queueName)
	}

	zap.L().Debug("published company for enrichment",
		zap.String("event_id", ev.EventID),
		zap.Int64("company_id", ev.CompanyID),
		zap.String("queue", p.queueName),
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return eris.Wrap(p.rdb.Ping(ctx).Err(), "queue: ping")
}
