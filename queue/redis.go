package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"go-engage/model"
)

// Notifier wakes agents that long-poll for work. Signals are advisory: a
// woken agent still has to win the conditional claim in the store.
type Notifier interface {
	Notify(ctx context.Context, taskType model.TaskType) error
	Wait(ctx context.Context, taskType model.TaskType, blockFor time.Duration) (bool, error)
}

const signalKeyPrefix = "taskqueue:ready:"

// maxPendingSignals bounds the signal list so an idle queue does not grow it forever.
const maxPendingSignals = 1000

type RedisNotifier struct {
	rdb redis.UniversalClient
}

func NewRedisNotifier(rdb redis.UniversalClient) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

func signalKey(taskType model.TaskType) string {
	if taskType == "" {
		return signalKeyPrefix + "any"
	}
	return signalKeyPrefix + string(taskType)
}

func (n *RedisNotifier) Notify(ctx context.Context, taskType model.TaskType) error {
	pipe := n.rdb.TxPipeline()
	for _, key := range []string{signalKey(taskType), signalKey("")} {
		pipe.LPush(ctx, key, time.Now().UnixNano())
		pipe.LTrim(ctx, key, 0, maxPendingSignals-1)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (n *RedisNotifier) Wait(ctx context.Context, taskType model.TaskType, blockFor time.Duration) (bool, error) {
	result, err := n.rdb.BRPop(ctx, blockFor, signalKey(taskType)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if len(result) != 2 {
		return false, fmt.Errorf("unexpected BRPOP result: %v", result)
	}
	return true, nil
}

// MemoryNotifier is the single-process notifier.
type MemoryNotifier struct {
	mu      sync.Mutex
	signals map[model.TaskType]chan struct{}
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{signals: make(map[model.TaskType]chan struct{})}
}

func (n *MemoryNotifier) ch(taskType model.TaskType) chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.signals[taskType]
	if !ok {
		c = make(chan struct{}, maxPendingSignals)
		n.signals[taskType] = c
	}
	return c
}

func (n *MemoryNotifier) Notify(_ context.Context, taskType model.TaskType) error {
	for _, c := range []chan struct{}{n.ch(taskType), n.ch("")} {
		select {
		case c <- struct{}{}:
		default:
		}
	}
	return nil
}

func (n *MemoryNotifier) Wait(ctx context.Context, taskType model.TaskType, blockFor time.Duration) (bool, error) {
	timer := time.NewTimer(blockFor)
	defer timer.Stop()
	select {
	case <-n.ch(taskType):
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
