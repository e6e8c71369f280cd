package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/trip-planner/internal/resilience"
)

const (
	fieldWorkflowID = "workflowId"
	fieldAttempt    = "attempt"
)

// RedisConfig names the stream, consumer group and retry limits.
type RedisConfig struct {
	Stream           string
	Group            string
	Consumer         string
	DeadLetterStream string
	Block            time.Duration
	MaxDeliveries    int
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.Stream == "" {
		c.Stream = "tripplan:workflows"
	}
	if c.Group == "" {
		c.Group = "tripplan-workers"
	}
	if c.Consumer == "" {
		c.Consumer = "worker-" + uuid.New().String()[:8]
	}
	if c.DeadLetterStream == "" {
		c.DeadLetterStream = c.Stream + ":dlq"
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 3
	}
	return c
}

// Redis publishes workflow ids to a stream and consumes them through a
// consumer group. Redelivery is safe: the runner skips finished stages.
type Redis struct {
	client *redis.Client
	run    Runner
	cfg    RedisConfig
	now    func() time.Time
}

// DialRedis connects to url and verifies the connection.
func DialRedis(ctx context.Context, url, password string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "dispatch: parse redis url")
	}
	if password != "" {
		opts.Password = password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "dispatch: ping redis")
	}
	return client, nil
}

// NewRedis creates a Redis dispatcher. run may be nil for publish-only use.
func NewRedis(client *redis.Client, run Runner, cfg RedisConfig) *Redis {
	return &Redis{client: client, run: run, cfg: cfg.withDefaults(), now: time.Now}
}

// EnsureGroup creates the consumer group and stream if missing.
func (r *Redis) EnsureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.cfg.Stream, r.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return eris.Wrapf(err, "dispatch: create group %s", r.cfg.Group)
	}
	return nil
}

// Dispatch appends workflowID to the stream.
func (r *Redis) Dispatch(ctx context.Context, workflowID string) error {
	return r.publish(ctx, workflowID, 1)
}

func (r *Redis) publish(ctx context.Context, workflowID string, attempt int) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.cfg.Stream,
		Values: map[string]any{
			fieldWorkflowID: workflowID,
			fieldAttempt:    strconv.Itoa(attempt),
		},
	}).Err()
	return eris.Wrapf(err, "dispatch: xadd %s", workflowID)
}

// Consume processes messages until ctx is canceled. Entries left pending by
// an earlier crash of this consumer are processed first.
func (r *Redis) Consume(ctx context.Context) error {
	if err := r.EnsureGroup(ctx); err != nil {
		return err
	}
	if _, err := r.read(ctx, "0", 0); err != nil && ctx.Err() == nil {
		return err
	}
	zap.L().Info("dispatch: redis consumer started",
		zap.String("stream", r.cfg.Stream),
		zap.String("group", r.cfg.Group),
		zap.String("consumer", r.cfg.Consumer),
	)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := r.ConsumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			zap.L().Warn("dispatch: redis read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// ConsumeOnce reads and handles at most one new message. It reports whether
// a message was handled.
func (r *Redis) ConsumeOnce(ctx context.Context) (bool, error) {
	n, err := r.read(ctx, ">", r.cfg.Block)
	return n > 0, err
}

func (r *Redis) read(ctx context.Context, id string, block time.Duration) (int, error) {
	args := &redis.XReadGroupArgs{
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		Streams:  []string{r.cfg.Stream, id},
		Count:    1,
		Block:    block,
	}
	if id != ">" {
		args.Count = 100
		args.Block = -1
	}
	streams, err := r.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "dispatch: xreadgroup")
	}

	n := 0
	for _, s := range streams {
		for _, msg := range s.Messages {
			r.handle(ctx, msg)
			n++
		}
	}
	return n, nil
}

func (r *Redis) handle(ctx context.Context, msg redis.XMessage) {
	workflowID, _ := msg.Values[fieldWorkflowID].(string)
	attempt := 1
	if s, ok := msg.Values[fieldAttempt].(string); ok {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			attempt = n
		}
	}
	log := zap.L().With(
		zap.String("workflow_id", workflowID),
		zap.String("message_id", msg.ID),
		zap.Int("attempt", attempt),
	)

	if workflowID == "" {
		log.Warn("dispatch: dropping message without workflow id")
		r.dead(ctx, msg.ID, resilience.NewDeadLetter("", eris.New("missing workflow id"), attempt, r.cfg.MaxDeliveries, r.now()))
		return
	}
	if r.run == nil {
		log.Error("dispatch: consumer has no runner")
		return
	}

	w, err := r.run.Run(ctx, workflowID)
	if err != nil && ctx.Err() != nil {
		// Left pending; the next start of this consumer picks it up.
		log.Info("dispatch: run interrupted", zap.Error(err))
		return
	}
	if err == nil {
		log.Info("dispatch: run finished", zap.String("status", string(w.Status)))
		r.ack(ctx, msg.ID)
		return
	}

	dl := resilience.NewDeadLetter(workflowID, err, attempt, r.cfg.MaxDeliveries, r.now())
	if dl.CanRetry() {
		log.Warn("dispatch: run failed, requeueing", zap.Error(err))
		if perr := r.publish(ctx, workflowID, attempt+1); perr != nil {
			log.Error("dispatch: requeue failed, leaving message pending", zap.Error(perr))
			return
		}
		r.ack(ctx, msg.ID)
		return
	}
	log.Error("dispatch: run failed permanently", zap.Error(err))
	r.dead(ctx, msg.ID, dl)
}

func (r *Redis) dead(ctx context.Context, messageID string, dl resilience.DeadLetter) {
	body, err := json.Marshal(dl)
	if err == nil {
		err = r.client.XAdd(ctx, &redis.XAddArgs{
			Stream: r.cfg.DeadLetterStream,
			Values: map[string]any{
				fieldWorkflowID:       dl.WorkflowID,
				"original_message_id": messageID,
				"dead_letter":         string(body),
			},
		}).Err()
	}
	if err != nil {
		zap.L().Error("dispatch: dead letter write failed", zap.String("message_id", messageID), zap.Error(err))
		return
	}
	r.ack(ctx, messageID)
}

func (r *Redis) ack(ctx context.Context, messageID string) {
	if err := r.client.XAck(ctx, r.cfg.Stream, r.cfg.Group, messageID).Err(); err != nil {
		zap.L().Warn("dispatch: xack failed", zap.String("message_id", messageID), zap.Error(err))
	}
}

// DeadLetters returns up to count dead-lettered runs, oldest first.
func (r *Redis) DeadLetters(ctx context.Context, count int64) ([]resilience.DeadLetter, error) {
	msgs, err := r.client.XRangeN(ctx, r.cfg.DeadLetterStream, "-", "+", count).Result()
	if err != nil {
		return nil, eris.Wrap(err, "dispatch: read dead letters")
	}
	out := make([]resilience.DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values["dead_letter"].(string)
		var dl resilience.DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			return nil, eris.Wrapf(err, "dispatch: decode dead letter %s", m.ID)
		}
		out = append(out, dl)
	}
	return out, nil
}

// DeadLetterDepth returns the number of dead-lettered runs.
func (r *Redis) DeadLetterDepth(ctx context.Context) (int64, error) {
	n, err := r.client.XLen(ctx, r.cfg.DeadLetterStream).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, eris.Wrap(err, "dispatch: count dead letters")
}
