package relay

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/pairwave/peercall/internal/log"
	"github.com/pairwave/peercall/internal/validation"
)

type Router struct {
	hub    *Hub
	engine *gin.Engine
	logger *log.Logger
}

func NewRouter(hub *Hub, cfg Config, logger *log.Logger) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("relay"))
	engine.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: []string{http.MethodGet},
		MaxAge:       12 * time.Hour,
	}))

	r := &Router{
		hub:    hub,
		engine: engine,
		logger: logger.Module("router"),
	}
	r.setupRoutes()
	return r
}

func (r *Router) Handler() http.Handler {
	return r.engine
}

func (r *Router) setupRoutes() {
	r.engine.GET("/ws", r.serveWS)
	r.engine.GET("/healthz", r.healthCheck)
}

func (r *Router) serveWS(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		r.logger.Warn("websocket accept failed", log.Error(err))
		return
	}

	client := newClient(r.hub, conn, validation.New(), r.logger)
	client.serve(c.Request.Context())
}

func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   "relay",
		"rooms":     r.hub.RoomCount(),
		"timestamp": time.Now().Unix(),
	})
}
