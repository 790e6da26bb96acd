// Package api is the admin HTTP surface: manual checks, alert history,
// channel tests, phone verification and the trigger event stream.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"pulsewatch/internal/metrics"
	"pulsewatch/internal/model"
	"pulsewatch/internal/monitor"
	"pulsewatch/internal/notification"
	"pulsewatch/internal/queue"
)

// Checker runs manual checks. *monitor.Registry satisfies it.
type Checker interface {
	CheckAlert(ctx context.Context, id int64) (monitor.Result, error)
	CheckUser(ctx context.Context, userID string) ([]monitor.Result, error)
}

// TypeRunner checks every due alert of a type, honouring market hours for
// stock unless forced. *scheduler.Scheduler satisfies it.
type TypeRunner interface {
	RunOnce(ctx context.Context, t model.AlertType, force bool) (monitor.Summary, bool, error)
}

// ChannelTester sends a test message. *notification.Dispatcher satisfies it.
type ChannelTester interface {
	SendTest(ctx context.Context, user *model.User, name model.ChannelName, msg string) (notification.Result, error)
}

// PhoneVerifier issues and checks phone codes. *verification.Service satisfies it.
type PhoneVerifier interface {
	SendCode(ctx context.Context, userID string) error
	Verify(ctx context.Context, userID, code string) error
}

// Deps are the collaborators behind the routes. Queue, Verifier, Health and
// Events are optional; their routes answer 503 or are not mounted when nil.
type Deps struct {
	Alerts   model.AlertStore
	History  model.HistoryStore
	Users    model.UserStore
	Checks   Checker
	Runner   TypeRunner
	Queue    queue.Queue
	Tester   ChannelTester
	Verifier PhoneVerifier
	Health   *metrics.HealthStatus
	Events   http.Handler // websocket trigger stream
	Log      *slog.Logger
}

// NewRouter builds the gin engine with every route.
func NewRouter(d Deps) *gin.Engine {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	h := &handlers{Deps: d}

	r := gin.New()
	r.Use(gin.Recovery(), traceMiddleware(), logMiddleware(d.Log))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", h.health)
		v1.GET("/alert-types", h.alertTypes)

		v1.POST("/checks/:type", h.checkType)

		v1.POST("/alerts", h.createAlert)
		v1.GET("/alerts/:id", h.getAlert)
		v1.POST("/alerts/:id/check", h.checkAlert)
		v1.GET("/alerts/:id/history", h.alertHistory)

		v1.POST("/users/:id/check", h.checkUser)
		v1.POST("/users/:id/channels/:channel/test", h.testChannel)
		v1.POST("/users/:id/phone/code", h.sendPhoneCode)
		v1.POST("/users/:id/phone/verify", h.verifyPhone)
	}

	if d.Events != nil {
		r.GET("/ws", gin.WrapH(d.Events))
	}
	return r
}
