package otel

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"taskrelay.app/relay/core/config"
)

var _ = Describe("Setup", func() {
	It("is disabled without an endpoint", func() {
		t, err := Setup(context.Background(), config.OTelConfig{ServiceName: "taskrelay"}, config.ServiceTypeServer)
		Expect(err).NotTo(HaveOccurred())
		Expect(t).To(BeNil())
	})
})

var _ = Describe("parseHeaders", func() {
	It("splits comma separated pairs and skips junk", func() {
		Expect(parseHeaders("Authorization=Bearer x, x-team = relay ,broken,=novalue")).To(Equal(map[string]string{
			"Authorization": "Bearer x",
			"x-team":        "relay",
		}))
	})

	It("returns an empty map for an empty string", func() {
		Expect(parseHeaders("")).To(BeEmpty())
	})
})

var _ = Describe("Telemetry.Shutdown", func() {
	It("stops providers newest first and joins errors", func() {
		var order []string
		boom := errors.New("boom")
		t := &Telemetry{shutdowns: []func(context.Context) error{
			func(context.Context) error { order = append(order, "traces"); return nil },
			func(context.Context) error { order = append(order, "logs"); return boom },
		}}

		err := t.Shutdown(context.Background())
		Expect(err).To(MatchError(boom))
		Expect(order).To(Equal([]string{"logs", "traces"}))
	})
})
