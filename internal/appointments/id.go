package appointments

import "github.com/google/uuid"

// IDProvider issues appointment, change and event identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// IDFunc adapts a function into an IDProvider.
type IDFunc func() (string, error)

// NewID calls f.
func (f IDFunc) NewID() (string, error) {
	return f()
}

// NewUUIDProvider constructs an IDProvider that issues time-ordered UUIDv7
// identifiers, so appointment ids sort by creation.
func NewUUIDProvider() IDProvider {
	return IDFunc(func() (string, error) {
		value, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		return value.String(), nil
	})
}
