package swap

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/tokenswipe/pkg/cache"
	"github.com/polisai/tokenswipe/pkg/domain"
)

// quoteGrace keeps an issued quote readable past its deadline so that a late
// execution is reported as expired rather than unknown.
const quoteGrace = 5 * time.Minute

type issuedQuote struct {
	UserID string            `json:"userId"`
	Quote  *domain.SwapQuote `json:"quote"`
}

// quoteBook records the quotes handed to users. Only a recorded quote can be
// executed, and each one at most once.
type quoteBook struct {
	cache cache.Cache
	now   func() time.Time
}

func (b *quoteBook) ttl(q *domain.SwapQuote) time.Duration {
	return max(time.Unix(q.Deadline, 0).Sub(b.now()), 0) + quoteGrace
}

// issue assigns q an id and stores it for userID.
func (b *quoteBook) issue(ctx context.Context, userID string, q *domain.SwapQuote) error {
	q.ID = uuid.NewString()
	rec := issuedQuote{UserID: userID, Quote: q}
	if err := cache.SetJSON(ctx, b.cache, cache.QuoteKey(q.ID), rec, b.ttl(q)); err != nil {
		return domain.Wrap(domain.ErrCacheUnavailable, err, "failed to store quote")
	}
	return nil
}

// load returns the quote issued to userID under id.
func (b *quoteBook) load(ctx context.Context, userID, id string) (*domain.SwapQuote, error) {
	var rec issuedQuote
	err := cache.GetJSON(ctx, b.cache, cache.QuoteKey(id), &rec)
	switch {
	case errors.Is(err, cache.ErrMiss):
		return nil, domain.NewError(domain.ErrQuoteUnknown, "quote not found")
	case err != nil:
		return nil, domain.Wrap(domain.ErrCacheUnavailable, err, "quote lookup failed")
	case rec.UserID != userID || rec.Quote == nil:
		return nil, domain.NewError(domain.ErrQuoteUnknown, "quote not found")
	}
	return rec.Quote, nil
}

// claim marks q as being executed. It reports false when another execution
// already holds it.
func (b *quoteBook) claim(ctx context.Context, q *domain.SwapQuote) (bool, error) {
	ok, err := b.cache.SetNX(ctx, cache.QuoteClaimKey(q.ID), []byte(q.ID), b.ttl(q))
	if err != nil {
		return false, domain.Wrap(domain.ErrCacheUnavailable, err, "quote claim failed")
	}
	return ok, nil
}

// release frees a claim after a failed execution so the quote can be retried.
func (b *quoteBook) release(ctx context.Context, q *domain.SwapQuote) error {
	return b.cache.Delete(ctx, cache.QuoteClaimKey(q.ID))
}
