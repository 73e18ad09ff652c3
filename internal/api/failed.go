package api

import (
	"errors"
	"net/http"
	"strconv"

	"tradegate/internal/engine"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"

	"github.com/gin-gonic/gin"
)

func (s *Server) getFailedOrders(c *gin.Context) {
	userID := CurrentUserID(c)
	list, err := s.DB.ListFailedOrdersForUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	out := make([]gin.H, 0, len(list))
	for _, f := range list {
		item := gin.H{
			"id":             f.ID,
			"symbol":         f.Symbol,
			"side":           f.Side,
			"order_type":     f.OrderType,
			"quantity":       f.Quantity,
			"reason":         f.Reason,
			"exchange_error": f.ExchangeError,
			"retry_count":    f.RetryCount,
			"max_retries":    db.MaxFailedRetries,
			"created_at":     f.CreatedAt,
		}
		if f.Price.Valid {
			item["price"] = f.Price.Float64
		}
		if f.StopPrice.Valid {
			item["stop_price"] = f.StopPrice.Float64
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"failed_orders": out})
}

// loadOwnedFailedOrder authorizes one failed-order mutation.
func (s *Server) loadOwnedFailedOrder(c *gin.Context) (*db.FailedOrder, bool) {
	userID := CurrentUserID(c)
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return nil, false
	}
	owns, err := s.DB.UserOwnsFailedOrder(c.Request.Context(), userID, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ownership check failed"})
		return nil, false
	}
	if !owns {
		c.JSON(http.StatusNotFound, gin.H{"error": "failed order not found"})
		return nil, false
	}
	f, err := s.DB.GetFailedOrder(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "failed order not found"})
		return nil, false
	}
	return f, true
}

// retryFailedOrder re-submits a rejected order with its original
// parameters, up to the retry cap.
func (s *Server) retryFailedOrder(c *gin.Context) {
	f, ok := s.loadOwnedFailedOrder(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	bumped, err := s.DB.IncrementFailedRetry(ctx, f.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retry bookkeeping failed"})
		return
	}
	if !bumped {
		c.JSON(http.StatusConflict, gin.H{
			"code":  "RETRY_EXHAUSTED",
			"error": "retry limit reached or order already resolved",
		})
		return
	}

	gw, sa, ownerID, err := s.Manager.Resolve(ctx, f.StrategyAccountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "exchange connection unavailable"})
		return
	}
	acct, err := s.DB.GetAccount(ctx, sa.AccountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account lookup failed"})
		return
	}

	req := common.OrderRequest{
		Symbol: f.Symbol,
		Side:   common.Side(f.Side),
		Type:   common.OrderType(f.OrderType),
		Qty:    f.Quantity,
		Market: common.MarketType(acct.MarketType),
	}
	if f.Price.Valid {
		req.Price = f.Price.Float64
	}
	if f.StopPrice.Valid {
		req.StopPrice = f.StopPrice.Float64
	}

	order, err := s.Engine.PlaceOrder(ctx, gw, engine.Placement{
		StrategyAccount: sa,
		OwnerUserID:     ownerID,
		Request:         req,
	})
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"success":     false,
			"error":       orderError(order),
			"retry_count": f.RetryCount + 1,
		})
		return
	}

	// The retry succeeded; the post-mortem row has served its purpose.
	if err := s.DB.RemoveFailedOrder(ctx, f.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"success": true, "order_id": order.ID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "order_id": order.ID})
}

func orderError(o *db.Order) string {
	if o != nil && o.ErrorMessage.Valid {
		return o.ErrorMessage.String
	}
	return "order placement failed"
}

func (s *Server) removeFailedOrder(c *gin.Context) {
	f, ok := s.loadOwnedFailedOrder(c)
	if !ok {
		return
	}
	if err := s.DB.RemoveFailedOrder(c.Request.Context(), f.ID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "failed order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "remove failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
