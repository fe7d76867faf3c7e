package transport

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "smartsend/transport"

type tracedClient struct {
	next   Client
	name   string
	tracer trace.Tracer
}

// WithTracing opens one span per send using the global tracer provider.
func WithTracing(next Client, name string) Client {
	return &tracedClient{next: next, name: name, tracer: otel.Tracer(tracerName)}
}

func (c *tracedClient) Send(ctx context.Context, destination, message string) error {
	ctx, span := c.tracer.Start(ctx, "Transport.Send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("transport.name", c.name),
			attribute.String("message.destination", Mask(destination)),
			attribute.Int("message.length", len([]rune(message))),
		))
	defer span.End()

	err := c.next.Send(ctx, destination, message)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
