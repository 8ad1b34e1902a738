package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"chainpulse.dev/pulse/internal/breaker"
	"chainpulse.dev/pulse/internal/http/handler"
	"chainpulse.dev/pulse/internal/model"
	"chainpulse.dev/pulse/internal/store"
)

var _ = Describe("BreakerHandler", func() {
	var (
		router      *gin.Engine
		ctrl        *mockBreakerControl
		triggers    *mockTriggerStore
		adminAPIKey string
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		ctrl = &mockBreakerControl{}
		triggers = &mockTriggerStore{}
		adminAPIKey = "test-admin-key"
		h := handler.NewBreakerHandler(ctrl, triggers)

		admin := router.Group("/api/v1/triggers")
		admin.Use(handler.RequireAdminAPIKey(adminAPIKey))
		{
			admin.GET("/:id/breaker", h.Status)
			admin.POST("/:id/breaker/close", h.ForceClose)
		}
	})

	doGet := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Admin-API-Key", adminAPIKey)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	doPost := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("X-Admin-API-Key", adminAPIKey)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	Describe("Status", func() {
		It("returns the circuit state with the rolling failure rate", func() {
			ctrl.statusFn = func(_ context.Context, triggerID int64) (*breaker.Status, error) {
				return &breaker.Status{
					TriggerID:   triggerID,
					State:       model.CircuitOpen,
					FailureRate: 0.85,
					SampleCount: 20,
					RetryAfter:  90 * time.Second,
				}, nil
			}

			w := doGet("/api/v1/triggers/42/breaker")

			Expect(w.Code).To(Equal(http.StatusOK))

			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["trigger_id"]).To(BeEquivalentTo(42))
			Expect(resp["state"]).To(Equal("open"))
			Expect(resp["failure_rate"]).To(BeEquivalentTo(0.85))
			Expect(resp["sample_count"]).To(BeEquivalentTo(20))
			Expect(resp["retry_after_seconds"]).To(BeEquivalentTo(90))
		})

		It("omits retry_after_seconds for a closed circuit", func() {
			ctrl.statusFn = func(_ context.Context, triggerID int64) (*breaker.Status, error) {
				return &breaker.Status{TriggerID: triggerID, State: model.CircuitClosed}, nil
			}

			w := doGet("/api/v1/triggers/42/breaker")

			Expect(w.Code).To(Equal(http.StatusOK))

			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["state"]).To(Equal("closed"))
			Expect(resp).NotTo(HaveKey("retry_after_seconds"))
		})

		It("returns 404 for an unknown trigger", func() {
			triggers.getByIDFn = func(_ context.Context, _ int64) (*model.Trigger, error) {
				return nil, store.ErrNotFound
			}

			w := doGet("/api/v1/triggers/42/breaker")

			Expect(w.Code).To(Equal(http.StatusNotFound))
		})

		It("returns 400 for a malformed trigger id", func() {
			w := doGet("/api/v1/triggers/abc/breaker")

			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("ForceClose", func() {
		It("closes the circuit", func() {
			var closed int64
			ctrl.forceCloseFn = func(_ context.Context, triggerID int64) error {
				closed = triggerID
				return nil
			}

			w := doPost("/api/v1/triggers/42/breaker/close")

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(closed).To(Equal(int64(42)))
		})

		It("returns 409 on concurrent state change", func() {
			ctrl.forceCloseFn = func(_ context.Context, _ int64) error {
				return store.ErrVersionConflict
			}

			w := doPost("/api/v1/triggers/42/breaker/close")

			Expect(w.Code).To(Equal(http.StatusConflict))
		})

		It("returns 500 on store errors", func() {
			ctrl.forceCloseFn = func(_ context.Context, _ int64) error {
				return errors.New("db down")
			}

			w := doPost("/api/v1/triggers/42/breaker/close")

			Expect(w.Code).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("RequireAdminAPIKey middleware", func() {
		It("rejects requests without a key", func() {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/triggers/42/breaker", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusUnauthorized))
		})

		It("accepts Bearer token authorization", func() {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/triggers/42/breaker", nil)
			req.Header.Set("Authorization", "Bearer "+adminAPIKey)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusOK))
		})
	})
})
