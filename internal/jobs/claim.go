package jobs

import (
	"context"
	"fmt"
)

// DefaultClaimAttempts bounds how often a lost claim race is retried.
const DefaultClaimAttempts = 3

// ClaimNext claims the oldest pending job, retrying lost races up to attempts
// times. Exhausting the attempts is reported as no work, never as an error.
func ClaimNext(ctx context.Context, c Claimer, attempts int) (Claim, bool, error) {
	if attempts <= 0 {
		attempts = DefaultClaimAttempts
	}
	for i := 0; i < attempts; i++ {
		claim, outcome, err := c.TryClaim(ctx)
		if err != nil {
			return Claim{}, false, fmt.Errorf("claim attempt %d: %w", i+1, err)
		}
		switch outcome {
		case ClaimOK:
			return claim, true, nil
		case ClaimEmpty:
			return Claim{}, false, nil
		case ClaimRaceLost:
			if err := ctx.Err(); err != nil {
				return Claim{}, false, fmt.Errorf("claim canceled: %w", err)
			}
		}
	}
	return Claim{}, false, nil
}
