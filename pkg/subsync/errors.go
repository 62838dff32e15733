package subsync

import "errors"

var (
	// ErrProductNotFound is returned when a product is not stored
	ErrProductNotFound = errors.New("product not found")

	// ErrPriceNotFound is returned when a price is not stored
	ErrPriceNotFound = errors.New("price not found")

	// ErrCustomerNotFound is returned when a customer is not stored
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrSubscriptionNotFound is returned when a subscription is not stored
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrPaymentIntentNotFound is returned when a payment intent is not stored
	ErrPaymentIntentNotFound = errors.New("payment intent not found")

	// ErrStaleWrite is returned by conditional upserts when the stored record
	// was produced by a newer event. Callers treat it as success.
	ErrStaleWrite = errors.New("stale write ignored")

	// ErrUserAlreadyMapped is returned by UpsertCustomer when another
	// customer already carries the record's UserID. A user owns at most one
	// customer.
	ErrUserAlreadyMapped = errors.New("user already mapped to another customer")

	// ErrInvalidRecord is returned when a record fails validation
	ErrInvalidRecord = errors.New("invalid record")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// IsNotFound reports whether err is any of the record-not-found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrPriceNotFound) ||
		errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrPaymentIntentNotFound)
}
