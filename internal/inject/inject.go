package inject

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/atotto/clipboard"
	"github.com/rs/zerolog"

	"github.com/petems/mic-relay/internal/config"
)

// Injector hands transcribed text to the desktop.
type Injector interface {
	Inject(ctx context.Context, text string) error
}

type clipboardInjector struct {
	cfg   config.InjectConfig
	write func(string) error
}

// New creates an injector that copies transcripts to the system clipboard
func New(cfg config.InjectConfig) Injector {
	return &clipboardInjector{
		cfg:   cfg,
		write: clipboard.WriteAll,
	}
}

func (c *clipboardInjector) Inject(ctx context.Context, text string) error {
	text = Filter(text, c.cfg.AppendSpace)
	if text == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.write(text); err != nil {
		return fmt.Errorf("failed to write clipboard: %w", err)
	}
	return nil
}

// Filter trims text, capitalizes its first letter and optionally appends a
// space so consecutive pastes read as one sentence stream.
func Filter(text string, appendSpace bool) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return text
	}

	r, size := utf8.DecodeRuneInString(text)
	if unicode.IsLower(r) {
		text = string(unicode.ToUpper(r)) + text[size:]
	}

	if appendSpace {
		text += " "
	}
	return text
}

// Queue feeds texts to inj on its own goroutine until ctx is done. The
// returned func never blocks: texts arriving while the queue is full are
// dropped and logged.
func Queue(ctx context.Context, inj Injector, log zerolog.Logger) func(text string) {
	texts := make(chan string, 8)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case text := <-texts:
				if err := inj.Inject(ctx, text); err != nil {
					log.Warn().Err(err).Msg("Inject error")
				} else {
					log.Debug().Str("text", text).Msg("Injected")
				}
			}
		}
	}()

	return func(text string) {
		select {
		case texts <- text:
		default:
			log.Warn().Str("text", text).Msg("Inject queue full, dropping transcript")
		}
	}
}
