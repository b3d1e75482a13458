package upstream

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryRule is one row of the fallback retry table: how often a failure
// class may be retried, how long to wait between attempts, and which reply
// to synthesize once the class is exhausted.
type RetryRule struct {
	MaxRetries uint64
	Backoff    func() retry.Backoff
	Reply      func(Turn) string
}

// RetryTable is keyed by failure class. Classes without a row are not
// retried and end in ApologyText.
type RetryTable map[Kind]RetryRule

func DefaultRetryTable() RetryTable {
	return RetryTable{
		KindRateLimited: {
			MaxRetries: 2,
			Backoff: func() retry.Backoff {
				b := retry.NewExponential(time.Second)
				b = retry.WithJitter(250*time.Millisecond, b)
				return retry.WithCappedDuration(8*time.Second, b)
			},
			Reply: busyPlaceholder,
		},
		KindOverloaded: {
			MaxRetries: 2,
			Backoff: func() retry.Backoff {
				return retry.WithCappedDuration(4*time.Second, retry.NewFibonacci(500*time.Millisecond))
			},
			Reply: busyPlaceholder,
		},
		KindTimeout: {
			MaxRetries: 1,
			Backoff:    func() retry.Backoff { return retry.NewConstant(500 * time.Millisecond) },
			Reply:      busyPlaceholder,
		},
		KindTransient: {
			MaxRetries: 2,
			Backoff:    func() retry.Backoff { return retry.NewConstant(250 * time.Millisecond) },
			Reply:      apology,
		},
		KindMalformed: {Reply: apology},
		KindRejected:  {Reply: apology},
	}
}

func apology(Turn) string { return ApologyText }

func (t RetryTable) retryable(kind Kind) bool {
	rule, ok := t[kind]
	return ok && rule.MaxRetries > 0 && rule.Backoff != nil
}

func (t RetryTable) reply(kind Kind, turn Turn) string {
	if rule, ok := t[kind]; ok && rule.Reply != nil {
		if text := rule.Reply(turn); text != "" {
			return text
		}
	}
	return ApologyText
}

// backoff returns a retry.Backoff that consults the class of the most
// recent failure (*last) and keeps an independent budget per class.
func (t RetryTable) backoff(last *Kind) retry.Backoff {
	perKind := make(map[Kind]retry.Backoff, len(t))
	return retry.BackoffFunc(func() (time.Duration, bool) {
		kind := *last
		b, ok := perKind[kind]
		if !ok {
			if !t.retryable(kind) {
				return 0, true
			}
			rule := t[kind]
			b = retry.WithMaxRetries(rule.MaxRetries, rule.Backoff())
			perKind[kind] = b
		}
		return b.Next()
	})
}
