package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"tradegate/internal/engine"
	"tradegate/internal/events"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"

	"github.com/gin-gonic/gin"
)

// subscriptionEdge authorizes and loads the strategy-account edge
// addressed by the route. Either the account owner or the strategy
// owner may act on it.
func (s *Server) subscriptionEdge(c *gin.Context) (*db.StrategyAccount, *db.Account, bool) {
	userID := CurrentUserID(c)

	strategyID, err1 := strconv.ParseInt(c.Param("id"), 10, 64)
	accountID, err2 := strconv.ParseInt(c.Param("account_id"), 10, 64)
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid route parameters"})
		return nil, nil, false
	}

	sa, err := s.DB.GetStrategyAccountByPair(c.Request.Context(), strategyID, accountID)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return nil, nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return nil, nil, false
	}

	acct, err := s.DB.GetAccount(c.Request.Context(), sa.AccountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return nil, nil, false
	}
	strategy, err := s.DB.GetStrategy(c.Request.Context(), sa.StrategyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return nil, nil, false
	}

	if acct.OwnerUserID != userID && strategy.OwnerUserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your subscription"})
		return nil, nil, false
	}
	return sa, acct, true
}

func (s *Server) subscriptionStatus(c *gin.Context) {
	sa, _, ok := s.subscriptionEdge(c)
	if !ok {
		return
	}
	status, err := s.DB.GetSubscriptionStatus(c.Request.Context(), sa.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status lookup failed"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// unsubscribe removes the strategy-account edge. Without force the
// request is rejected while positions are open; with force the full
// cleanup sequence runs first.
func (s *Server) unsubscribe(c *gin.Context) {
	sa, acct, ok := s.subscriptionEdge(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	force := c.Query("force") == "true"

	status, err := s.DB.GetSubscriptionStatus(ctx, sa.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status lookup failed"})
		return
	}

	if !force {
		if status.ActivePositions > 0 {
			c.JSON(http.StatusConflict, gin.H{
				"code":             "ACTIVE_POSITIONS",
				"error":            "active positions exist, use force=true to liquidate",
				"active_positions": status.ActivePositions,
			})
			return
		}
		if err := s.DB.DeleteStrategyAccount(ctx, sa.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}

	cleanupErrs := s.forceCleanup(ctx, sa, acct)

	if err := s.DB.DeleteStrategyAccount(ctx, sa.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"forced":         true,
		"cleanup_errors": cleanupErrs,
	})
}

// forceCleanup tears one edge down: deactivate, cancel everything,
// verify, close positions at market, disconnect the SSE scope. Each
// step's failure is collected and logged but never halts the next one;
// the edge is going away regardless.
func (s *Server) forceCleanup(ctx context.Context, sa *db.StrategyAccount, acct *db.Account) []string {
	var cleanupErrs []string
	fail := func(step string, err error) {
		msg := step + ": " + err.Error()
		cleanupErrs = append(cleanupErrs, msg)
		log.Printf("unsubscribe: force cleanup sa=%d %s", sa.ID, msg)
	}

	// Deactivate first so the orchestrator's point-of-use check stops
	// routing new orders to this edge, then flush the local queue.
	if err := s.DB.SetStrategyAccountActive(ctx, sa.ID, false); err != nil {
		fail("deactivate", err)
	}
	if _, err := s.DB.DeletePendingForStrategyAccount(ctx, sa.ID, ""); err != nil {
		fail("flush queue", err)
	}

	gw, _, err := s.Manager.GatewayForAccount(ctx, sa.AccountID)
	if err != nil {
		fail("gateway", err)
		s.Bus.DisconnectScope(acct.OwnerUserID, sa.StrategyID, events.ReasonPermissionRevoked)
		return cleanupErrs
	}

	symbols, err := s.DB.ActiveSymbolsForStrategyAccount(ctx, sa.ID)
	if err != nil {
		fail("list symbols", err)
	}
	for _, symbol := range symbols {
		if err := s.Engine.CancelAllForSymbol(ctx, gw, *sa, acct.OwnerUserID, symbol); err != nil {
			fail("cancel "+symbol, err)
		}
	}

	if remaining, err := s.DB.ActiveSymbolsForStrategyAccount(ctx, sa.ID); err == nil && len(remaining) > 0 {
		fail("verify", errors.New("orders still active on "+strconv.Itoa(len(remaining))+" symbols"))
	}

	positions, err := s.DB.ListOpenPositions(ctx)
	if err != nil {
		fail("list positions", err)
	}
	for _, pos := range positions {
		if pos.StrategyAccountID != sa.ID || pos.Quantity == 0 {
			continue
		}
		side := common.SideSell
		qty := pos.Quantity
		if qty < 0 {
			side = common.SideBuy
			qty = -qty
		}
		_, err := s.Engine.PlaceOrder(ctx, gw, engine.Placement{
			StrategyAccount: *sa,
			OwnerUserID:     acct.OwnerUserID,
			Request: common.OrderRequest{
				Symbol: pos.Symbol,
				Side:   side,
				Type:   common.OrderTypeMarket,
				Qty:    qty,
				Market: common.MarketType(acct.MarketType),
			},
		})
		if err != nil {
			fail("close "+pos.Symbol, err)
		}
	}

	s.Bus.DisconnectScope(acct.OwnerUserID, sa.StrategyID, events.ReasonPermissionRevoked)
	return cleanupErrs
}
