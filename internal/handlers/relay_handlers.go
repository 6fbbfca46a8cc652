package handlers

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pelusa-v/pelusa-voice/internal/chat"
)

type Handler struct {
	relay    *chat.Relay
	gatherer prometheus.Gatherer
	started  time.Time
}

func New(relay *chat.Relay, gatherer prometheus.Gatherer) *Handler {
	return &Handler{relay: relay, gatherer: gatherer, started: time.Now()}
}

// Routes mounts the websocket endpoint at wsPath plus the HTTP API.
func (h *Handler) Routes(app *fiber.App, wsPath string) {
	app.Use(wsPath, h.Upgrade)
	app.Get(wsPath, websocket.New(h.RegisterHandler))

	app.Get("/api/presence", h.ShowClientsHandler) // ?exclude=idOrNick
	app.Get("/health", h.HealthHandler)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
}

// Upgrade rejects plain HTTP requests on the websocket path.
func (h *Handler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// RegisterHandler GET <RT_PATH>
func (h *Handler) RegisterHandler(c *websocket.Conn) {
	client := chat.NewClient(c, c.RemoteAddr().String())
	if !h.relay.Register(client) {
		return
	}
	// the conn is released when this handler returns, so wait for the writer
	written := make(chan struct{})
	go func() {
		client.WritePump()
		close(written)
	}()
	client.ReadPump(h.relay)
	<-written
}

// ShowClientsHandler GET /api/presence?exclude=idOrNick
func (h *Handler) ShowClientsHandler(c *fiber.Ctx) error {
	return c.JSON(h.relay.ListClients(c.Query("exclude")))
}

// HealthHandler GET /health
func (h *Handler) HealthHandler(c *fiber.Ctx) error {
	status := "ok"
	select {
	case <-h.relay.Done():
		status = "stopped"
	default:
	}
	return c.JSON(fiber.Map{
		"status":  status,
		"present": h.relay.Registry().Len(),
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	})
}
