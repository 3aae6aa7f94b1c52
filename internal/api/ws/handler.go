package ws

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Whoisraeen/raeen-core/internal/contracts"
	"github.com/Whoisraeen/raeen-core/internal/kernel"
	"github.com/Whoisraeen/raeen-core/internal/logging"
	"github.com/Whoisraeen/raeen-core/internal/monitoring"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // introspection surface, not origin-gated
	},
}

// Handler upgrades service connections and runs one session per socket.
type Handler struct {
	kernel   *kernel.Kernel
	registry *contracts.Registry
	log      *logging.Logger
	metrics  *monitoring.Metrics
}

// NewHandler creates a WebSocket handler over a booted kernel.
func NewHandler(k *kernel.Kernel, registry *contracts.Registry, log *logging.Logger, metrics *monitoring.Metrics) *Handler {
	return &Handler{
		kernel:   k,
		registry: registry,
		log:      log.Named("ws"),
		metrics:  metrics,
	}
}

// HandleConnection upgrades the socket, spawns the session process, and
// pumps envelopes until the peer goes away. The session process exits
// with the socket, which tears down every handle it still holds.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sess, err := newSession(h.kernel, h.registry, h.log, h.metrics)
	if err != nil {
		h.log.Error("session spawn failed", zap.Error(err))
		return
	}
	defer sess.close()

	if h.metrics != nil {
		h.metrics.IncWSConnections()
		defer h.metrics.DecWSConnections()
	}

	ctx := c.Request.Context()
	sess.hello(conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.log.Warn("websocket read error", zap.Error(err))
			}
			break
		}
		env, err := contracts.DecodeEnvelope(raw)
		if err != nil {
			sess.sendError(conn, contracts.Envelope{}, err)
			continue
		}
		if h.metrics != nil {
			h.metrics.RecordWSMessage("in", env.Kind)
		}
		sess.handle(ctx, conn, env)
	}
}
