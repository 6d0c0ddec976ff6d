package manifest

import "fmt"

// ValidationError reports a manifest that parsed but violates the schema.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("manifest validation failed: %s", e.Reason)
}

// FetchError wraps failures retrieving the release manifest over HTTP.
type FetchError struct {
	URL string
	Err error
}

func (e FetchError) Error() string {
	return fmt.Sprintf("fetch manifest from %s: %v", e.URL, e.Err)
}

func (e FetchError) Unwrap() error {
	return e.Err
}
