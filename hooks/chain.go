package hooks

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Chain combines tracers into one. Nil entries are skipped; End runs in
// reverse order of Start.
func Chain(tracers ...pgx.QueryTracer) pgx.QueryTracer {
	var c chain
	for _, t := range tracers {
		if t != nil {
			c = append(c, t)
		}
	}
	switch len(c) {
	case 0:
		return nil
	case 1:
		return c[0]
	}
	return c
}

type chain []pgx.QueryTracer

func (c chain) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	for _, t := range c {
		ctx = t.TraceQueryStart(ctx, conn, data)
	}
	return ctx
}

func (c chain) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	for i := len(c) - 1; i >= 0; i-- {
		c[i].TraceQueryEnd(ctx, conn, data)
	}
}
