package lockservice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL is the lease TTL applied when the config leaves it zero.
// A tick is expected to complete well within this budget.
const DefaultTTL = 5 * time.Minute

// releaseScript deletes the lease key only while we still own it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// renewScript extends the TTL only while we still own the lease.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisConfig configures the redis-backed lock service.
type RedisConfig struct {
	Addresses []string      `mapstructure:"addresses" yaml:"addresses"`
	Username  string        `mapstructure:"username" yaml:"username"`
	Password  string        `mapstructure:"password" yaml:"password"`
	DB        int           `mapstructure:"db" yaml:"db"`
	KeyPrefix string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	LeaseTTL  time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl"`
}

// Redis implements Service on a shared redis deployment.
//
// A lease is a key <prefix><job_id> holding a random token, created with
// SET NX PX. Release and renew are compare-token scripts so a node can
// never drop or extend a lease it no longer owns.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis connects to redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("lock service: redis addresses are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addresses,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lock service: redis ping failed: %w", err)
	}

	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "ism:lock:"
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Redis{client: client, prefix: prefix, ttl: ttl, logger: logger}, nil
}

func (r *Redis) key(jobID string) string {
	return r.prefix + jobID
}

// Acquire takes the lease for jobID, or returns (nil, nil) when another
// node holds it.
func (r *Redis) Acquire(ctx context.Context, jobID string) (*Lease, error) {
	if r == nil || r.client == nil {
		return nil, fmt.Errorf("lock service is not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}

	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, r.key(jobID), token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return nil, nil
	}

	return &Lease{
		JobID:      jobID,
		Token:      token,
		TTL:        r.ttl,
		AcquiredAt: time.Now().UTC(),
	}, nil
}

// Renew extends the lease TTL. Returns false when the lease was lost.
func (r *Redis) Renew(ctx context.Context, lease *Lease) (bool, error) {
	if lease == nil {
		return false, fmt.Errorf("lease is nil")
	}
	n, err := renewScript.Run(ctx, r.client,
		[]string{r.key(lease.JobID)}, lease.Token, r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return n == 1, nil
}

// Release drops the lease. A false return means the lease had already
// expired or been taken over; the caller's work is done either way.
func (r *Redis) Release(ctx context.Context, lease *Lease) bool {
	if r == nil || lease == nil {
		return false
	}
	n, err := releaseScript.Run(ctx, r.client,
		[]string{r.key(lease.JobID)}, lease.Token).Int()
	if err != nil {
		r.logger.Warn("Failed to release lease",
			zap.String("job_id", lease.JobID),
			zap.Error(err))
		return false
	}
	return n == 1
}

// Close releases the underlying redis client.
func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
