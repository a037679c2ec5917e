package middleware_test

import (
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"taskrelay.app/relay/common/logger"
	"taskrelay.app/relay/internal/http/middleware"
)

func serve(engine *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

var _ = Describe("RequireAPIKey", func() {
	var engine *gin.Engine

	newEngine := func(key string) *gin.Engine {
		e := gin.New()
		e.GET("/tasks", middleware.RequireAPIKey(key), func(c *gin.Context) { c.Status(http.StatusNoContent) })
		return e
	}

	BeforeEach(func() {
		engine = newEngine("s3cret")
	})

	It("is open when no key is configured", func() {
		rec := serve(newEngine(""), httptest.NewRequest(http.MethodGet, "/tasks", nil))
		Expect(rec.Code).To(Equal(http.StatusNoContent))
	})

	It("rejects a missing key", func() {
		rec := serve(engine, httptest.NewRequest(http.MethodGet, "/tasks", nil))
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		Expect(rec.Body.String()).To(ContainSubstring("missing api key"))
	})

	It("rejects a wrong key", func() {
		req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
		req.Header.Set(middleware.APIKeyHeader, "nope")
		Expect(serve(engine, req).Code).To(Equal(http.StatusUnauthorized))
	})

	It("accepts the header or a bearer token", func() {
		req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
		req.Header.Set(middleware.APIKeyHeader, "s3cret")
		Expect(serve(engine, req).Code).To(Equal(http.StatusNoContent))

		req = httptest.NewRequest(http.MethodGet, "/tasks", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		Expect(serve(engine, req).Code).To(Equal(http.StatusNoContent))
	})
})

var _ = Describe("Recovery", func() {
	It("answers 500 when a handler panics", func() {
		engine := gin.New()
		engine.Use(middleware.Recovery())
		engine.GET("/boom", func(*gin.Context) { panic("kaboom") })

		rec := serve(engine, httptest.NewRequest(http.MethodGet, "/boom", nil))
		Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		Expect(rec.Body.String()).To(ContainSubstring("internal server error"))
	})

	It("leaves a started response alone", func() {
		engine := gin.New()
		engine.Use(middleware.Recovery())
		engine.GET("/stream", func(c *gin.Context) {
			c.String(http.StatusOK, "data: partial\n")
			panic("mid-stream")
		})

		rec := serve(engine, httptest.NewRequest(http.MethodGet, "/stream", nil))
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("data: partial\n"))
	})
})

var _ = Describe("Logger", func() {
	It("attaches webhook fields to the request context", func() {
		var fields logger.LogFields
		engine := gin.New()
		engine.Use(middleware.Logger())
		engine.POST("/webhooks/:provider/:webhook_id", func(c *gin.Context) {
			fields = logger.GetLogFields(c.Request.Context())
			c.Status(http.StatusAccepted)
		})

		rec := serve(engine, httptest.NewRequest(http.MethodPost, "/webhooks/github/wh-1", nil))
		Expect(rec.Code).To(Equal(http.StatusAccepted))
		Expect(fields.Provider).To(HaveValue(Equal("github")))
		Expect(fields.WebhookID).To(HaveValue(Equal("wh-1")))
		Expect(fields.Component).To(Equal("relay.http"))
	})
})
