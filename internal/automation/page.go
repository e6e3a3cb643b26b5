package automation

import "context"

// Page is the set of browser operations the search workflows need. Every call
// blocks until the action finished or ctx ended.
type Page interface {
	Navigate(ctx context.Context, url string) error
	SetViewport(ctx context.Context, width, height int) error
	// SelectOption picks the option whose visible label equals label.
	SelectOption(ctx context.Context, sel, label string) error
	// Fill clears the field and types value into it.
	Fill(ctx context.Context, sel, value string) error
	Click(ctx context.Context, sel string) error
	// ClickNth clicks the i-th element (zero based) matching sel.
	ClickNth(ctx context.Context, sel string, i int) error
	WaitPresent(ctx context.Context, sel string) error
	// WaitPath blocks until the current URL path equals path.
	WaitPath(ctx context.Context, path string) error
	// Texts returns the rendered text of every element matching sel.
	Texts(ctx context.Context, sel string) ([]string, error)
	// TextsWithin returns, for each element matching container, the rendered
	// text of its descendants matching child.
	TextsWithin(ctx context.Context, container, child string) ([][]string, error)
	// AttrsWithin is TextsWithin for an attribute value instead of text.
	AttrsWithin(ctx context.Context, container, child, attr string) ([][]string, error)
	ScrollToBottom(ctx context.Context) error
	CurrentURL(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
}
