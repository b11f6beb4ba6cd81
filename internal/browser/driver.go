package browser

import (
	"context"

	"github.com/xkilldash9x/browsegraph/api/schemas"
)

// Driver is the low-level page automation surface a Session is built on.
// Selectors are CSS selectors as reported in schemas.Element.
type Driver interface {
	Start(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	// Location returns the URL and title of the active page.
	Location(ctx context.Context) (url, title string, err error)
	Tabs(ctx context.Context) ([]schemas.Tab, error)
	// Elements indexes up to limit interactive elements on the active page.
	Elements(ctx context.Context, limit int) ([]schemas.Element, error)
	VisibleText(ctx context.Context, maxLen int) (string, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Scroll(ctx context.Context, pixels int) error
	Back(ctx context.Context) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}
