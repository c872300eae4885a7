package alerting

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier writes alerts to the log instead of an external channel. Used when
// no delivery channel is configured and by the simulate command.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Send logs the rendered alert.
func (n *LogNotifier) Send(ctx context.Context, text, format string) error {
	n.logger.Info().Str("format", format).Msg(text)
	return nil
}

// Fanout delivers to several sinks and returns the first error after trying all.
type Fanout []Sink

// Sink mirrors dispatch.NotifySink so this package stays free of engine imports.
type Sink interface {
	Send(ctx context.Context, text, format string) error
}

// Send implements Sink.
func (f Fanout) Send(ctx context.Context, text, format string) error {
	var firstErr error
	for _, sink := range f {
		if err := sink.Send(ctx, text, format); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	_ Sink = (*TelegramNotifier)(nil)
	_ Sink = (*LogNotifier)(nil)
	_ Sink = Fanout(nil)
)
