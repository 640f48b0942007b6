package usecases

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/0xcro3dile/docchat-go/internal/domain/apperrors"
	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
	"github.com/0xcro3dile/docchat-go/internal/domain/ports"
)

// RetryPolicy bounds retries of idempotent infrastructure calls.
type RetryPolicy struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is three attempts starting at 100ms.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, InitialInterval: 100 * time.Millisecond, MaxInterval: 2 * time.Second}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	return p
}

// do runs op until it succeeds, fails with a non-transient error, or the
// attempts run out. Only idempotent operations may be passed here.
func (p RetryPolicy) do(ctx context.Context, op func() error) error {
	p = p.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.Attempts-1)), ctx))
}

// transient reports whether err may succeed on retry: plain errors from
// adapters and infrastructure-kind errors do, typed domain errors do not.
func transient(err error) bool {
	switch apperrors.KindOf(err) {
	case "", apperrors.KindInfrastructure:
		return true
	}
	return false
}

type noopObserver struct{}

func (noopObserver) IngestionFinished(entities.IngestionStage, bool, float64) {}
func (noopObserver) AnswerFinished(entities.ExchangeStatus, float64)          {}
func (noopObserver) EmbeddingBatch(bool, float64)                             {}
func (noopObserver) LockWait(string, float64)                                 {}

func observerOrNoop(o ports.PipelineObserver) ports.PipelineObserver {
	if o == nil {
		return noopObserver{}
	}
	return o
}

// Lock kinds. Ingestion and answering are serialized separately per conversation.
const (
	lockIngest = "ingest"
	lockAnswer = "answer"
)

func lockKey(conversationID, kind string) string {
	return "conv:" + conversationID + ":" + kind
}

// acquire takes a conversation lock and records how long it waited.
func acquire(ctx context.Context, locker ports.Locker, obs ports.PipelineObserver, conversationID, kind string) (func(), error) {
	start := time.Now()
	release, err := locker.Acquire(ctx, lockKey(conversationID, kind))
	obs.LockWait(kind, time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.ErrTimeout.Wrapf(err, "acquire %s lock", kind)
		}
		return nil, apperrors.Unavailable("acquire "+kind+" lock", err)
	}
	return release, nil
}
