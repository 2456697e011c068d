package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/consensus-ai/backend/internal/quota"
	"github.com/consensus-ai/backend/internal/storage/models"
	"github.com/consensus-ai/backend/pkg/logger"
)

// A quota key is a hash {count, window}. The window id and the expiry are set
// only when the key is created, so releasing a slot never moves the window.

// reserveScript increments the user's count only while it is under the limit.
// Returns {allowed, count, pttl, window}.
var reserveScript = redis.NewScript(`
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
if count >= tonumber(ARGV[1]) then
	return {0, count, redis.call('PTTL', KEYS[1]), redis.call('HGET', KEYS[1], 'window') or ''}
end
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('HSET', KEYS[1], 'window', ARGV[3])
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
count = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {1, count, redis.call('PTTL', KEYS[1]), redis.call('HGET', KEYS[1], 'window')}
`)

// releaseScript hands a slot back only to the window it was taken from.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'window') ~= ARGV[1] then
	return -1
end
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
if count > 0 then
	return redis.call('HINCRBY', KEYS[1], 'count', -1)
end
return 0
`)

// Client keeps quota counters and bearer sessions in Redis.
type Client struct {
	client *redis.Client
	now    func() time.Time
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return NewFromClient(client), nil
}

func NewFromClient(client *redis.Client) *Client {
	return &Client{client: client, now: time.Now}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func quotaKey(userID string) string {
	return fmt.Sprintf("quota:%s", userID)
}

func sessionKey(token string) string {
	return fmt.Sprintf("session:%s", token)
}

func (c *Client) resetAt(pttl int64, window time.Duration) time.Time {
	if pttl <= 0 {
		return c.now().Add(window)
	}
	return c.now().Add(time.Duration(pttl) * time.Millisecond)
}

func (c *Client) Reserve(ctx context.Context, userID string, limit int, window time.Duration) (*quota.Decision, error) {
	res, err := reserveScript.Run(ctx, c.client, []string{quotaKey(userID)}, limit, window.Milliseconds(), uuid.NewString()).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve quota: %w", err)
	}
	reply, err := parseReserveReply(res)
	if err != nil {
		return nil, err
	}

	decision := &quota.Decision{
		Allowed: reply.allowed,
		Used:    reply.count,
		Limit:   limit,
		ResetAt: c.resetAt(reply.pttl, window),
	}
	if decision.Allowed {
		decision.Reservation = &quota.Reservation{
			UserID:  userID,
			Count:   decision.Used,
			ResetAt: decision.ResetAt,
			Window:  reply.window,
		}
	}

	logger.Debug("Quota reservation",
		zap.String("user_id", userID),
		zap.Bool("allowed", decision.Allowed),
		zap.Int("used", decision.Used),
		zap.Int("limit", limit),
	)

	return decision, nil
}

type reserveReply struct {
	allowed bool
	count   int
	pttl    int64
	window  string
}

func parseReserveReply(res []interface{}) (reserveReply, error) {
	if len(res) != 4 {
		return reserveReply{}, fmt.Errorf("unexpected reserve reply: %v", res)
	}
	allowed, ok1 := res[0].(int64)
	count, ok2 := res[1].(int64)
	pttl, ok3 := res[2].(int64)
	window, ok4 := res[3].(string)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return reserveReply{}, fmt.Errorf("unexpected reserve reply: %v", res)
	}
	return reserveReply{allowed: allowed == 1, count: int(count), pttl: pttl, window: window}, nil
}

// Commit keeps the slot taken by Reserve.
func (c *Client) Commit(ctx context.Context, r *quota.Reservation) error {
	return nil
}

func (c *Client) Release(ctx context.Context, r *quota.Reservation) error {
	if r == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, c.client, []string{quotaKey(r.UserID)}, r.Window).Err(); err != nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	return nil
}

func (c *Client) Status(ctx context.Context, userID string, limit int, window time.Duration) (*quota.Status, error) {
	key := quotaKey(userID)

	used, err := c.client.HGet(ctx, key, "count").Int()
	if errors.Is(err, redis.Nil) {
		return &quota.Status{Used: 0, Limit: limit, ResetAt: c.now().Add(window)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}

	ttl, err := c.client.PTTL(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get quota ttl: %w", err)
	}

	return &quota.Status{Used: used, Limit: limit, ResetAt: c.resetAt(ttl.Milliseconds(), window)}, nil
}

func (c *Client) PutSession(ctx context.Context, token string, session models.Session, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := c.client.Set(ctx, sessionKey(token), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// GetSession returns false when the token is unknown or expired.
func (c *Client) GetSession(ctx context.Context, token string) (*models.Session, bool, error) {
	data, err := c.client.Get(ctx, sessionKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get session: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, true, nil
}
