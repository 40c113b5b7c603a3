package service

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/servicebus/core"
	"github.com/hupe1980/servicebus/internal/retry"
)

// DefaultSendPolicy retries a refused send 30 times, 100ms apart.
func DefaultSendPolicy() retry.Policy {
	return retry.Fixed(30, 100*time.Millisecond)
}

// Deliver sends env through producer, retrying refused sends per policy.
// When the budget is spent the envelope gets a delivery error appended and
// Deliver returns false.
func Deliver(ctx context.Context, producer core.Producer, env *core.Envelope, policy retry.Policy) bool {
	ok, attempts := retry.Do(ctx, policy, func(int) bool {
		return producer.Send(env)
	})
	if !ok {
		env.AddError(core.CodeDelivery, fmt.Errorf("%w: channel refused envelope after %d attempts", core.ErrDeliveryFailed, attempts))
	}
	return ok
}
