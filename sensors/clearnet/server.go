package clearnet

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/hupe1980/servicebus/core"
	"github.com/hupe1980/servicebus/sensors"
)

// maxBody caps inbound envelope size.
const maxBody = 8 << 20

func (s *Sensor) router(origins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.opts.Middleware...)
	if len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: normalizeOrigins(origins),
			AllowMethods: []string{http.MethodGet, http.MethodPost},
			AllowHeaders: []string{"Origin", "Content-Type", HeaderRequestID},
			MaxAge:       12 * time.Hour,
		}))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": s.Status().String(),
			"sensor": s.ID(),
			"peers":  len(s.Peers()),
		})
	})
	r.POST("/envelope", s.handleEnvelope)
	return r
}

func (s *Sensor) handleEnvelope(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	env, err := core.UnmarshalEnvelope(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := inbound(env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if remote := c.Request.RemoteAddr; remote != "" {
		s.seen(remote)
	}

	ch := make(chan []byte, 1)
	s.pendingMu.Lock()
	s.pending[env.ID] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, env.ID)
		s.pendingMu.Unlock()
	}()

	if !s.host.Deliver(env) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": core.ErrDeliveryFailed.Error(), "envelope": env.ID})
		return
	}

	s.mu.Lock()
	wait := s.replyTimeout
	s.mu.Unlock()
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case body := <-ch:
		c.Data(http.StatusOK, core.ContentTypeMsgpack, body)
	case <-timer.C:
		s.logger.Warn("clearnet reply timed out", "envelope", env.ID, "timeout", wait)
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "reply timed out", "envelope": env.ID})
	case <-c.Request.Context().Done():
	}
}

// inbound prepares a peer envelope for the local bus: the peer's current route
// and client are dropped and a final sensors/REPLY_CLEARNET hop is appended.
func inbound(env *core.Envelope) error {
	if env.ID == "" {
		return core.ErrInvalidEnvelope
	}
	env.Route = nil
	env.SetReply(false)
	delete(env.Headers, core.HeaderClient)

	var slips []*core.DAG
	if env.DRG != nil {
		slips = env.DRG.Slips()
	}
	env.DRG = core.NewDRG(slips...)
	env.DRG.AddSlip(core.NewDAG(core.NewRoute(core.SensorsID, sensors.OperationReplyClearnet)))
	return nil
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}
