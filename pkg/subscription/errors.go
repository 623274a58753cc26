package subscription

import "errors"

var (
	// ErrUserNotFound is returned when no user matches the lookup key
	ErrUserNotFound = errors.New("user not found")

	// ErrSubscriptionNotFound is returned when no subscription matches the lookup key
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrMissingIdentity is returned by lookups when the caller identity lacks the lookup key
	ErrMissingIdentity = errors.New("identity has no lookup key")

	// ErrInvalidSubscription is returned when a record is missing required fields
	ErrInvalidSubscription = errors.New("invalid subscription record")
)
