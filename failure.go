package pgwatch

import "context"

// FailureAction defines how a failed delivery should be handled.
type FailureAction int

const (
	// FailureRetry keeps the consumer checkpoint before the failed notification,
	// so the consumer sees it again on the next catch-up.
	FailureRetry FailureAction = iota
	// FailureSkip treats the failure as terminal and advances the checkpoint past it.
	FailureSkip
)

// FailureClassifier decides whether a consumer failure is retryable.
type FailureClassifier func(ctx context.Context, consumerID string, n Notification, err error) FailureAction

// FailureHandler is called whenever a consumer callback fails.
type FailureHandler func(ctx context.Context, consumerID string, n Notification, err error)

func defaultFailureClassifier(context.Context, string, Notification, error) FailureAction {
	return FailureRetry
}
