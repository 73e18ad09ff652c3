package api

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"tradegate/internal/orchestrator"
	"tradegate/internal/signal"

	"github.com/gin-gonic/gin"
)

// maxWebhookBody bounds the request body read; a 30-intent batch fits
// in a fraction of this.
const maxWebhookBody = 1 << 20

// executionGrace is how long work may keep running after the response
// deadline. Anything still unfinished is converged by the reconciler
// from its PENDING/CANCELLING rows.
const executionGrace = 30 * time.Second

// webhook is the signal ingress. The contract is HTTP 200 for every
// outcome the signal source can act on, including validation failures
// and deadline expiry; 5xx is reserved for implementation faults.
func (s *Server) webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "unreadable body"})
		return
	}

	// Routing is local validation and DB lookups, cheap enough to run
	// inline under the request context.
	sig, err := s.Signals.Route(c.Request.Context(), body)
	if err != nil {
		if signal.IsUserError(err) {
			c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
			return
		}
		log.Printf("webhook: route: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}

	// Execution is detached from the request context so in-flight
	// exchange calls complete even after the response deadline; the
	// caller just stops waiting.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()),
		s.Deadline+executionGrace)

	done := make(chan *orchestrator.Response, 1)
	go func() {
		defer cancel()
		done <- s.Orch.Execute(execCtx, sig)
	}()

	select {
	case resp := <-done:
		c.JSON(http.StatusOK, resp)
	case <-time.After(s.Deadline):
		log.Printf("webhook: strategy %s exceeded %v budget, execution continues",
			sig.Strategy.GroupName, s.Deadline)
		c.JSON(http.StatusOK, gin.H{"success": false, "timeout": true})
	}
}
