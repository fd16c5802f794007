// Package log provides the structured loggers shared across the sip, stun
// and turn packages. Every component accepts an *slog.Logger via its
// Options struct and falls back to Default when none is supplied.
package log

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/golang-cz/devslog"
	console "github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

var newHandler = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByType(func(a net.Addr) slog.Value {
		if a == nil {
			return slog.StringValue("<nil>")
		}
		return slog.GroupValue(
			slog.String("network", a.Network()),
			slog.String("addr", a.String()),
		)
	}),
)

// Default is the production logger: console output, source locations,
// info level. Mirrors the teacher stack's Def logger.
var Default = slog.New(newHandler(
	console.NewHandler(os.Stdout, &console.HandlerOptions{
		AddSource:  true,
		Level:      slog.LevelInfo,
		TimeFormat: time.RFC3339Nano,
	}),
))

// Dev is a verbose, pretty-printed logger intended for local debugging of
// transaction/allocation state transitions.
var Dev = slog.New(newHandler(
	devslog.NewHandler(os.Stdout, &devslog.Options{
		HandlerOptions: &slog.HandlerOptions{
			AddSource: true,
			Level:     slog.LevelDebug,
		},
		SortKeys:   true,
		TimeFormat: time.RFC3339Nano,
	}),
))

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (noopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler       { return h }
func (h noopHandler) WithGroup(string) slog.Handler            { return h }

// Noop discards everything; used as the logger in benchmarks and in tests
// that don't assert on log output.
var Noop = slog.New(noopHandler{})

type fmtValue struct {
	v        any
	goSyntax bool
}

func (v fmtValue) LogValue() slog.Value {
	if v.goSyntax {
		return slog.StringValue(fmt.Sprintf("%#v", v.v))
	}
	return slog.StringValue(fmt.Sprintf("%+v", v.v))
}

// FmtValue returns an slog.LogValuer that renders v with %+v (or %#v when
// goSyntax is set), used for transaction/allocation values whose String()
// is reserved for a terser log key.
func FmtValue(v any, goSyntax bool) slog.LogValuer { return fmtValue{v, goSyntax} }
