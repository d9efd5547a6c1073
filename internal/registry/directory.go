package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zsiec/screenmirror/internal/logger"
	"github.com/zsiec/screenmirror/internal/session"
)

// ErrRecordNotFound is returned when a device has no directory record.
var ErrRecordNotFound = errors.New("session record not found")

// Record is the externally visible description of a live session.
type Record struct {
	DeviceID      string    `json:"device_id"`
	SessionID     string    `json:"session_id"`
	Host          string    `json:"host,omitempty"`
	Control       bool      `json:"control"`
	Audio         bool      `json:"audio"`
	Video         bool      `json:"video"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// NewRecord describes h for the directory.
func NewRecord(h session.Handle, host string) *Record {
	return &Record{
		DeviceID:      h.DeviceID,
		SessionID:     h.ID,
		Host:          host,
		Control:       h.Control,
		Audio:         h.Audio,
		Video:         h.Video,
		StartedAt:     h.StartedAt,
		LastHeartbeat: time.Now(),
	}
}

// Directory mirrors the session table for observers outside the process.
type Directory interface {
	// Register stores rec, replacing any record for the same device
	Register(ctx context.Context, rec *Record) error

	// Unregister removes the record for deviceID
	Unregister(ctx context.Context, deviceID string) error

	// Heartbeat refreshes the record's expiry
	Heartbeat(ctx context.Context, deviceID string) error

	// List returns every live record
	List(ctx context.Context) ([]*Record, error)

	Close() error
}

// MemoryDirectory keeps records in process. It is the default when no
// Redis is configured.
type MemoryDirectory struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{records: make(map[string]*Record)}
}

func (m *MemoryDirectory) Register(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.DeviceID] = &cp
	return nil
}

func (m *MemoryDirectory) Unregister(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[deviceID]; !ok {
		return ErrRecordNotFound
	}
	delete(m.records, deviceID)
	return nil
}

func (m *MemoryDirectory) Heartbeat(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[deviceID]
	if !ok {
		return ErrRecordNotFound
	}
	rec.LastHeartbeat = time.Now()
	return nil
}

func (m *MemoryDirectory) List(context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *MemoryDirectory) Close() error { return nil }

// RedisDirectory stores one key per device with a TTL, plus a set of active
// device ids. Records of a crashed process expire on their own.
type RedisDirectory struct {
	client *redis.Client
	log    logger.Logger
	prefix string
	ttl    time.Duration
}

// NewRedisDirectory creates a Redis-backed directory.
func NewRedisDirectory(client *redis.Client, log logger.Logger, ttl time.Duration) *RedisDirectory {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisDirectory{
		client: client,
		log:    logger.WithComponent(log, "directory"),
		prefix: "screenmirror:sessions:",
		ttl:    ttl,
	}
}

var registerScript = redis.NewScript(`
	local key = KEYS[1]
	local active_key = KEYS[2]
	local data = ARGV[1]
	local ttl = tonumber(ARGV[2])
	local device_id = ARGV[3]
	redis.call('SET', key, data, 'PX', ttl)
	redis.call('SADD', active_key, device_id)
	return 1
`)

var heartbeatScript = redis.NewScript(`
	local key = KEYS[1]
	local ttl = tonumber(ARGV[1])
	local now = ARGV[2]
	local data = redis.call('GET', key)
	if not data then
		return 0
	end
	local rec = cjson.decode(data)
	rec.last_heartbeat = now
	redis.call('SET', key, cjson.encode(rec), 'PX', ttl)
	return 1
`)

var listScript = redis.NewScript(`
	local active_key = KEYS[1]
	local prefix = ARGV[1]
	local active = redis.call('SMEMBERS', active_key)
	local result = {}
	local expired = {}
	for i, id in ipairs(active) do
		local rec = redis.call('GET', prefix .. id)
		if rec then
			table.insert(result, rec)
		else
			table.insert(expired, id)
		end
	end
	for i, id in ipairs(expired) do
		redis.call('SREM', active_key, id)
	end
	return result
`)

func (r *RedisDirectory) key(deviceID string) string {
	return r.prefix + deviceID
}

func (r *RedisDirectory) activeKey() string {
	return r.prefix + "active"
}

func (r *RedisDirectory) Register(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	if err := registerScript.Run(ctx, r.client,
		[]string{r.key(rec.DeviceID), r.activeKey()},
		data, r.ttl.Milliseconds(), rec.DeviceID).Err(); err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}

	r.log.WithFields(logger.Fields{
		"device_id":  rec.DeviceID,
		"session_id": rec.SessionID,
	}).Debug("Session registered")
	return nil
}

func (r *RedisDirectory) Unregister(ctx context.Context, deviceID string) error {
	deleted, err := r.client.Del(ctx, r.key(deviceID)).Result()
	if err != nil {
		return fmt.Errorf("failed to unregister session: %w", err)
	}
	if err := r.client.SRem(ctx, r.activeKey(), deviceID).Err(); err != nil {
		return fmt.Errorf("failed to remove session from active set: %w", err)
	}
	if deleted == 0 {
		return ErrRecordNotFound
	}

	r.log.WithField("device_id", deviceID).Debug("Session unregistered")
	return nil
}

func (r *RedisDirectory) Heartbeat(ctx context.Context, deviceID string) error {
	now := time.Now().Format(time.RFC3339Nano)
	n, err := heartbeatScript.Run(ctx, r.client, []string{r.key(deviceID)}, r.ttl.Milliseconds(), now).Int()
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// List also prunes expired ids from the active set.
func (r *RedisDirectory) List(ctx context.Context) ([]*Record, error) {
	res, err := listScript.Run(ctx, r.client, []string{r.activeKey()}, r.prefix).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected result type from script")
	}

	out := make([]*Record, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			r.log.Warn("Invalid data type in result")
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			r.log.WithError(err).Warn("Failed to unmarshal session record")
			continue
		}
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (r *RedisDirectory) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
