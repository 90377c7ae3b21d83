package accessibility

import "context"

// Context is a snapshot of the text-insertion target captured when a session
// is created. TextBeforeCursor drives the leading-space cleanup at finalize.
type Context struct {
	AppName          string
	WindowTitle      string
	TextBeforeCursor string
	TextAfterCursor  string
}

// Bridge abstracts the platform accessibility API. The real implementation
// lives in the desktop shell; the daemon ships a static fallback.
type Bridge interface {
	AccessibilityContext(ctx context.Context) (Context, error)
}

type staticBridge struct {
	snapshot Context
}

// NewStatic returns a Bridge that always reports the given snapshot.
// Used when no platform bridge is connected and in tests.
func NewStatic(snapshot Context) Bridge {
	return &staticBridge{snapshot: snapshot}
}

func (b *staticBridge) AccessibilityContext(_ context.Context) (Context, error) {
	return b.snapshot, nil
}
