package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/labelmint/flow/pkg/schema"
)

// RedisStore implements the Store interface on Redis. Execution records
// are JSON blobs under keyed entries, node executions live in a per-
// execution hash, and the event log is a per-execution list whose length
// doubles as the sequence counter.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces all keys. Defaults to "flow".
	Prefix string

	// TTL expires finished execution records. Zero keeps them forever.
	TTL time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Prefix == "" {
		opts.Prefix = "flow"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "redis ping %s failed", opts.Addr).WithCause(err)
	}
	return &RedisStore{client: client, prefix: opts.Prefix, ttl: opts.TTL}, nil
}

func (s *RedisStore) execKey(id string) string   { return s.prefix + ":exec:" + id }
func (s *RedisStore) nodesKey(id string) string  { return s.prefix + ":exec:" + id + ":nodes" }
func (s *RedisStore) eventsKey(id string) string { return s.prefix + ":exec:" + id + ":events" }
func (s *RedisStore) indexKey() string           { return s.prefix + ":executions" }

func (s *RedisStore) CreateExecution(ctx context.Context, exec *schema.WorkflowExecution) error {
	key := s.execKey(exec.ID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "check execution").WithCause(err)
	}
	if exists > 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}

	record := *exec
	record.Nodes = nil
	data, err := json.Marshal(&record)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode execution").WithCause(err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.ZAdd(ctx, s.indexKey(), &redis.Z{
		Score:  float64(timeOrNow(exec.StartedAt).UnixNano()),
		Member: exec.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return schema.NewError(schema.ErrCodeStore, "create execution").WithCause(err)
	}
	return nil
}

func (s *RedisStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	exec, err := s.getExecutionRecord(ctx, id)
	if err != nil {
		return err
	}

	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.Variables != nil {
		exec.Variables = update.Variables
	}
	if update.Error != "" {
		exec.Error = update.Error
	}
	if update.FailedNode != "" {
		exec.FailedNode = update.FailedNode
	}
	if update.StartedAt != nil {
		exec.StartedAt = *update.StartedAt
	}
	if update.CompletedAt != nil {
		exec.CompletedAt = update.CompletedAt
	}

	data, err := json.Marshal(exec)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode execution").WithCause(err)
	}
	if err := s.client.Set(ctx, s.execKey(id), data, 0).Err(); err != nil {
		return schema.NewError(schema.ErrCodeStore, "update execution").WithCause(err)
	}

	// Finished records pick up the configured expiry.
	if s.ttl > 0 && exec.Status.Terminal() {
		pipe := s.client.Pipeline()
		pipe.Expire(ctx, s.execKey(id), s.ttl)
		pipe.Expire(ctx, s.nodesKey(id), s.ttl)
		pipe.Expire(ctx, s.eventsKey(id), s.ttl)
		_, _ = pipe.Exec(ctx)
	}
	return nil
}

func (s *RedisStore) getExecutionRecord(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	data, err := s.client.Get(ctx, s.execKey(id)).Bytes()
	if err == redis.Nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "get execution").WithCause(err)
	}
	exec := &schema.WorkflowExecution{}
	if err := json.Unmarshal(data, exec); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decode execution").WithCause(err)
	}
	return exec, nil
}

func (s *RedisStore) GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	exec, err := s.getExecutionRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	nodes, err := s.ListNodeExecutions(ctx, id)
	if err != nil {
		return nil, err
	}
	exec.Nodes = nodes
	return exec, nil
}

func (s *RedisStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	// Newest first via the start-time index.
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list executions").WithCause(err)
	}

	var out []*schema.WorkflowExecution
	skipped := 0
	for _, id := range ids {
		exec, err := s.getExecutionRecord(ctx, id)
		if err != nil {
			if schema.ErrorCode(err) == schema.ErrCodeNotFound {
				continue // expired record still in the index
			}
			return nil, err
		}
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && exec.StartedAt.Before(*filter.Since) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, exec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) UpsertNodeExecution(ctx context.Context, ne *schema.NodeExecution) error {
	data, err := json.Marshal(ne)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode node execution").WithCause(err)
	}
	if err := s.client.HSet(ctx, s.nodesKey(ne.ExecutionID), ne.NodeID, data).Err(); err != nil {
		return schema.NewError(schema.ErrCodeStore, "upsert node execution").WithCause(err)
	}
	return nil
}

func (s *RedisStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*schema.NodeExecution, error) {
	entries, err := s.client.HGetAll(ctx, s.nodesKey(executionID)).Result()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list node executions").WithCause(err)
	}
	out := make([]*schema.NodeExecution, 0, len(entries))
	for _, raw := range entries {
		ne := &schema.NodeExecution{}
		if err := json.Unmarshal([]byte(raw), ne); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "decode node execution").WithCause(err)
		}
		out = append(out, ne)
	}
	sortNodeExecutions(out)
	return out, nil
}

// AppendEvent pushes the event onto the per-execution list; the resulting
// list length is the event's sequence number.
func (s *RedisStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Reserve the sequence first so the stored JSON carries it.
	seq, err := s.client.RPush(ctx, s.eventsKey(event.ExecutionID), "").Result()
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "reserve event slot").WithCause(err)
	}
	event.Sequence = seq
	event.ID = seq

	data, err := json.Marshal(event)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode event").WithCause(err)
	}
	if err := s.client.LSet(ctx, s.eventsKey(event.ExecutionID), seq-1, data).Err(); err != nil {
		return schema.NewError(schema.ErrCodeStore, "append event").WithCause(err)
	}
	return nil
}

func (s *RedisStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	raw, err := s.client.LRange(ctx, s.eventsKey(executionID), since, -1).Result()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "get events").WithCause(err)
	}
	out := make([]*Event, 0, len(raw))
	for _, item := range raw {
		if item == "" {
			continue // reserved but never written
		}
		e := &Event{}
		if err := json.Unmarshal([]byte(item), e); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "decode event").WithCause(err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

var _ Store = (*RedisStore)(nil)
