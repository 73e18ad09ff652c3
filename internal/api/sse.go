package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"tradegate/internal/events"

	"github.com/gin-gonic/gin"
)

// eventsStream serves the per-(user, strategy) SSE feed. Frames follow
// the event/data contract; a heartbeat keeps intermediaries from
// closing the connection.
func (s *Server) eventsStream(c *gin.Context) {
	userID := CurrentUserID(c)

	strategyID, err := strconv.ParseInt(c.Query("strategy_id"), 10, 64)
	if err != nil || strategyID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_STRATEGY_ID",
			"error": "strategy_id query parameter is required",
		})
		return
	}

	ok, err := s.DB.CanAccessStrategy(c.Request.Context(), userID, strategyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "access check failed"})
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{
			"code":  "ACCESS_DENIED",
			"error": "not the owner or an active subscriber of this strategy",
		})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sub := s.Bus.Subscribe(userID, strategyID)
	defer s.Bus.Unsubscribe(sub)

	writeFrame(c, events.Event{
		Type: events.TypeConnection,
		Data: gin.H{"status": "connected", "strategy_id": strategyID},
		Time: time.Now().UTC(),
	})
	flusher.Flush()

	// Heartbeat only fills silence; any delivered event resets it.
	idle := time.NewTimer(s.Heartbeat)
	defer idle.Stop()

	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			writeFrame(c, ev)
			flusher.Flush()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.Heartbeat)
		case <-idle.C:
			writeFrame(c, events.Event{
				Type: events.TypeHeartbeat,
				Data: gin.H{"ts": time.Now().UTC().Format(time.RFC3339)},
				Time: time.Now().UTC(),
			})
			flusher.Flush()
			idle.Reset(s.Heartbeat)
		case <-sub.Done():
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeFrame(c *gin.Context, ev events.Event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		data = []byte("{}")
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, data)
}
