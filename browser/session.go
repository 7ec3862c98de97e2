// Package browser abstracts the interactive console automation the legacy
// Edge and Opera pipelines drive. It models only the handful of operations
// those flows need; wiring a real driver (or a fake, in tests) is the
// caller's job.
package browser

import "context"

// Session is one authenticated browser page inside a store's developer
// console. Implementations inject the store session cookie before the first
// navigation.
type Session interface {
	// Navigate loads url and waits for the page to settle.
	Navigate(ctx context.Context, url string) error

	// Click clicks the first element matching selector.
	Click(ctx context.Context, selector string) error

	// SetFiles attaches a local file to the file input matching selector.
	SetFiles(ctx context.Context, selector string, path string) error

	// Type types text into the element matching selector.
	Type(ctx context.Context, selector string, text string) error

	// Text returns the trimmed text content of the first match, or "" when
	// nothing matches.
	Text(ctx context.Context, selector string) (string, error)

	// Exists reports whether any element matches selector right now.
	Exists(ctx context.Context, selector string) (bool, error)

	// Enabled reports whether the first match lacks the disabled attribute.
	Enabled(ctx context.Context, selector string) (bool, error)

	// Close releases the page and its browser resources.
	Close() error
}
