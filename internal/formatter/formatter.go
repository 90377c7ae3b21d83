package formatter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Vendor names a language-model backend used for transcript formatting.
type Vendor string

const (
	VendorOpenAI     Vendor = "openai"
	VendorAnthropic  Vendor = "anthropic"
	VendorGoogle     Vendor = "google"
	VendorOpenRouter Vendor = "openrouter"
	VendorOllama     Vendor = "ollama"
	// VendorMock formats locally without a model, for development and tests.
	VendorMock Vendor = "mock"
)

// Context carries everything the model may use to shape the final text: where
// the cursor sits, what the user is dictating into, and any mode-level
// instructions.
type Context struct {
	AppName            string
	WindowTitle        string
	TextBeforeCursor   string
	TextAfterCursor    string
	CustomInstructions string
	Language           string
}

// VendorConfig selects and parameterizes a formatting backend.
type VendorConfig struct {
	Vendor   Vendor
	Model    string
	APIKey   string
	Endpoint string
}

// Provider formats a raw transcript. Implementations must return the original
// input untouched only via the caller; on error the caller decides whether to
// fall back to the unformatted text.
type Provider interface {
	Format(ctx context.Context, text string, fctx Context) (string, error)
}

// New builds the provider for the configured vendor.
func New(cfg VendorConfig, log *slog.Logger) (Provider, error) {
	switch cfg.Vendor {
	case VendorOpenAI:
		return newChatProvider(openAIChatURL, cfg.APIKey, cfg.Model, log), nil
	case VendorOpenRouter:
		return newChatProvider(openRouterChatURL, cfg.APIKey, cfg.Model, log), nil
	case VendorAnthropic:
		return newAnthropicProvider(cfg.APIKey, cfg.Model, log), nil
	case VendorGoogle:
		return newGoogleProvider(cfg.APIKey, cfg.Model, log), nil
	case VendorOllama:
		return newOllamaProvider(cfg.Endpoint, cfg.Model, log), nil
	case VendorMock:
		return MockProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown formatting vendor %q", cfg.Vendor)
	}
}

// buildSystemPrompt assembles the formatting instructions shared by every
// vendor. The model rewrites dictation into clean written text and must emit
// nothing but the result.
func buildSystemPrompt(fctx Context) string {
	var b strings.Builder
	b.WriteString("You format dictated speech into clean written text. ")
	b.WriteString("Fix punctuation, capitalization, and obvious dictation artifacts. ")
	b.WriteString("Do not add content, do not answer questions in the text, and reply with the formatted text only.")
	if fctx.Language != "" {
		fmt.Fprintf(&b, "\nThe text is in %q.", fctx.Language)
	}
	if fctx.AppName != "" {
		fmt.Fprintf(&b, "\nThe user is dictating into %s", fctx.AppName)
		if fctx.WindowTitle != "" {
			fmt.Fprintf(&b, " (%s)", fctx.WindowTitle)
		}
		b.WriteString(".")
	}
	if fctx.TextBeforeCursor != "" || fctx.TextAfterCursor != "" {
		b.WriteString("\nThe formatted text will be inserted at the cursor. Text before the cursor:\n")
		b.WriteString(fctx.TextBeforeCursor)
		b.WriteString("\nText after the cursor:\n")
		b.WriteString(fctx.TextAfterCursor)
	}
	if fctx.CustomInstructions != "" {
		b.WriteString("\nAdditional instructions from the user:\n")
		b.WriteString(fctx.CustomInstructions)
	}
	return b.String()
}
