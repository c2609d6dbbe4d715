package logger

import (
	"context"
	"log/slog"
	"time"

	"github.com/rs/zerolog"
)

// zlHandler writes slog records through zerolog. Request id, system,
// cache state and component come from the context (see FromContext); attrs
// inside groups are flattened to "group.key".
type zlHandler struct {
	zl     *zerolog.Logger
	attr   []slog.Attr
	prefix string
}

func NewSlog(zl *zerolog.Logger) *slog.Logger {
	return slog.New(&zlHandler{zl: zl})
}

func (h *zlHandler) Enabled(_ context.Context, l slog.Level) bool {
	floor := zerolog.GlobalLevel()
	if h.zl != nil && h.zl.GetLevel() > floor {
		floor = h.zl.GetLevel()
	}
	return zerologLevel(l) >= floor
}

func zerologLevel(l slog.Level) zerolog.Level {
	switch {
	case l < slog.LevelInfo:
		return zerolog.DebugLevel
	case l < slog.LevelWarn:
		return zerolog.InfoLevel
	case l < slog.LevelError:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

func (h *zlHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, rest := liftAll(ctx, h.attr, "")
	var own []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		own = append(own, a)
		return true
	})
	ctx, own = liftAll(ctx, own, h.prefix)

	ev := FromContext(ctx, h.zl).WithLevel(zerologLevel(r.Level))
	if ev == nil {
		return nil
	}
	for _, a := range rest {
		ev = addAttr(ev, "", a)
	}
	for _, a := range own {
		ev = addAttr(ev, h.prefix, a)
	}
	ev.Msg(r.Message)
	return nil
}

// liftAll moves ungrouped attrs naming a context field into ctx, so the
// field is written once and the innermost value wins.
func liftAll(ctx context.Context, attrs []slog.Attr, prefix string) (context.Context, []slog.Attr) {
	if prefix != "" {
		return ctx, attrs
	}
	rest := attrs[:0:0]
	for _, a := range attrs {
		v := a.Value.Resolve()
		switch {
		case a.Key == string(ctxReqIDKey) && v.Kind() == slog.KindString:
			ctx = WithRequestID(ctx, v.String())
		case a.Key == string(ctxComponent) && v.Kind() == slog.KindString:
			ctx = WithComponent(ctx, v.String())
		case a.Key == string(ctxCacheState) && v.Kind() == slog.KindString:
			ctx = WithCacheState(ctx, v.String())
		case a.Key == string(ctxSystem) && v.Kind() == slog.KindInt64:
			ctx = WithSystem(ctx, v.Int64())
		default:
			rest = append(rest, a)
		}
	}
	return ctx, rest
}

func (h *zlHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attr = make([]slog.Attr, 0, len(h.attr)+len(attrs))
	cp.attr = append(cp.attr, h.attr...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		cp.attr = append(cp.attr, a)
	}
	return &cp
}

func (h *zlHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

func addAttr(ev *zerolog.Event, prefix string, a slog.Attr) *zerolog.Event {
	a.Value = a.Value.Resolve()
	key := prefix + a.Key
	switch a.Value.Kind() {
	case slog.KindGroup:
		sub := prefix
		if a.Key != "" {
			sub = key + "."
		}
		for _, g := range a.Value.Group() {
			ev = addAttr(ev, sub, g)
		}
		return ev
	case slog.KindString:
		return ev.Str(key, a.Value.String())
	case slog.KindInt64:
		return ev.Int64(key, a.Value.Int64())
	case slog.KindUint64:
		return ev.Uint64(key, a.Value.Uint64())
	case slog.KindFloat64:
		return ev.Float64(key, a.Value.Float64())
	case slog.KindBool:
		return ev.Bool(key, a.Value.Bool())
	case slog.KindDuration:
		return ev.Str(key, a.Value.Duration().String())
	case slog.KindTime:
		return ev.Str(key, a.Value.Time().UTC().Format(time.RFC3339Nano))
	default:
		if err, ok := a.Value.Any().(error); ok {
			return ev.AnErr(key, err)
		}
		return ev.Interface(key, a.Value.Any())
	}
}
