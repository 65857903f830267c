package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/odvcencio/deployfix/internal/models"
	"github.com/redis/go-redis/v9"
)

// Notifier wakes idle workers when a job of their kind is enqueued. The
// database stays the source of truth; a lost signal only costs one poll.
type Notifier interface {
	Notify(ctx context.Context, kind models.JobKind) error
	// Wait blocks until a signal for kind arrives or timeout elapses. It
	// reports whether a signal was received.
	Wait(ctx context.Context, kind models.JobKind, timeout time.Duration) (bool, error)
}

// RedisNotifier signals through one Redis list per job kind.
type RedisNotifier struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisNotifier(client redis.UniversalClient, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = "deployfix:jobs:"
	}
	return &RedisNotifier{client: client, prefix: prefix}
}

func (n *RedisNotifier) key(kind models.JobKind) string {
	return n.prefix + string(kind)
}

func (n *RedisNotifier) Notify(ctx context.Context, kind models.JobKind) error {
	key := n.key(kind)
	pipe := n.client.TxPipeline()
	pipe.LPush(ctx, key, "wake")
	// Bound the list so signals never pile up while no worker is listening.
	pipe.LTrim(ctx, key, 0, 63)
	_, err := pipe.Exec(ctx)
	return err
}

func (n *RedisNotifier) Wait(ctx context.Context, kind models.JobKind, timeout time.Duration) (bool, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	result, err := n.client.BLPop(ctx, timeout, n.key(kind)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return false, nil
		}
		return false, err
	}
	return len(result) == 2, nil
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// LocalNotifier signals workers running in the same process.
type LocalNotifier struct {
	mu    sync.Mutex
	chans map[models.JobKind]chan struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{chans: make(map[models.JobKind]chan struct{})}
}

func (n *LocalNotifier) ch(kind models.JobKind) chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.chans[kind]
	if !ok {
		c = make(chan struct{}, 1)
		n.chans[kind] = c
	}
	return c
}

func (n *LocalNotifier) Notify(_ context.Context, kind models.JobKind) error {
	select {
	case n.ch(kind) <- struct{}{}:
	default:
	}
	return nil
}

func (n *LocalNotifier) Wait(ctx context.Context, kind models.JobKind, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-n.ch(kind):
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, nil
	}
}
