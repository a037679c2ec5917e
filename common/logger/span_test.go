package logger

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var _ = Describe("StartLinkedSpan", func() {
	var recorder *tracetest.SpanRecorder

	BeforeEach(func() {
		prev := otel.GetTracerProvider()
		recorder = tracetest.NewSpanRecorder()
		otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
		DeferCleanup(func() { otel.SetTracerProvider(prev) })
	})

	It("continues the queued trace", func() {
		const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
		ctx, span := StartLinkedSpan(context.Background(), traceID, "worker.task")
		span.End()

		Expect(TraceID(ctx)).To(Equal(traceID))
		ended := recorder.Ended()
		Expect(ended).To(HaveLen(1))
		Expect(ended[0].Links()).To(HaveLen(1))
		Expect(ended[0].Links()[0].SpanContext.TraceID().String()).To(Equal(traceID))
	})

	It("starts a new root for a malformed id", func() {
		ctx, span := StartLinkedSpan(context.Background(), "not-hex", "worker.task")
		span.End()

		Expect(TraceID(ctx)).NotTo(BeEmpty())
		Expect(TraceID(ctx)).NotTo(Equal("not-hex"))
		Expect(recorder.Ended()[0].Links()).To(BeEmpty())
	})

	It("marks failed spans as errored", func() {
		_, span := StartLinkedSpan(context.Background(), "", "worker.task")
		FailSpan(span, errors.New("agent exited 1"))
		FailSpan(span, nil)
		span.End()

		Expect(recorder.Ended()[0].Status().Code).To(Equal(codes.Error))
		Expect(recorder.Ended()[0].Status().Description).To(Equal("agent exited 1"))
	})
})

var _ = Describe("TraceID", func() {
	It("is empty without a span", func() {
		Expect(TraceID(context.Background())).To(BeEmpty())
	})
})
