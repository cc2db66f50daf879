package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/livesync"
)

// appendScript 仅在记录未封存时追加文本，并刷新过期时间。
var appendScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'completed_at') then
  return 0
end
local text = redis.call('HGET', KEYS[1], 'text') or ''
redis.call('HSET', KEYS[1], 'context_id', ARGV[1], 'text', text .. ARGV[2], 'updated_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// sealScript 只在第一次调用时写入 completed_at，重复封存返回 0。
var sealScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'completed_at') then
  return 0
end
if redis.call('HEXISTS', KEYS[1], 'text') == 0 then
  redis.call('HSET', KEYS[1], 'text', '')
end
redis.call('HSET', KEYS[1], 'context_id', ARGV[1], 'completed_at', ARGV[2], 'updated_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// LiveStore 将 StreamingRecord 保存在 Redis hash 中，多实例部署时
// 轮询请求可以落在任意节点上。
type LiveStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

var _ livesync.Store = (*LiveStore)(nil)

// NewLiveStore 创建 Redis 实时记录存储。
func NewLiveStore(client redis.UniversalClient, prefix string, ttl time.Duration) *LiveStore {
	if prefix == "" {
		prefix = "bazaar"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &LiveStore{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *LiveStore) key(contextID string) string {
	return fmt.Sprintf("%s:live:%s", s.prefix, contextID)
}

// Append 实现 livesync.Store。
func (s *LiveStore) Append(ctx context.Context, contextID, delta string) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	err := appendScript.Run(ctx, s.client, []string{s.key(contextID)},
		contextID, delta, now, s.ttl.Milliseconds()).Err()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 追加实时文本失败")
	}
	return nil
}

// Seal 实现 livesync.Store。
func (s *LiveStore) Seal(ctx context.Context, contextID string) (bool, error) {
	now := s.now().UTC().Format(time.RFC3339Nano)
	n, err := sealScript.Run(ctx, s.client, []string{s.key(contextID)},
		contextID, now, s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 封存实时记录失败")
	}
	return n == 1, nil
}

// Get 实现 livesync.Store。
func (s *LiveStore) Get(ctx context.Context, contextID string) (*livesync.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key(contextID)).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 读取实时记录失败")
	}
	if len(fields) == 0 {
		return nil, livesync.ErrNotFound
	}
	return recordFromHash(contextID, fields)
}

func recordFromHash(contextID string, fields map[string]string) (*livesync.Record, error) {
	rec := &livesync.Record{ContextID: contextID, Text: fields["text"]}
	if raw := fields["updated_at"]; raw != "" {
		ts, err := parseTime(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 updated_at 失败")
		}
		rec.UpdatedAt = ts
	}
	if raw := fields["completed_at"]; raw != "" {
		ts, err := parseTime(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 completed_at 失败")
		}
		rec.CompletedAt = &ts
	}
	return rec, nil
}

// parseTime 兼容 RFC3339 与毫秒时间戳两种写法。
func parseTime(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("无法识别的时间格式: %q", raw)
	}
	return time.UnixMilli(ms).UTC(), nil
}
