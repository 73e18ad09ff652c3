package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const defaultListLimit = 100

func listLimit(c *gin.Context) int {
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 500 {
		return v
	}
	return defaultListLimit
}

func (s *Server) getOrders(c *gin.Context) {
	orders, err := s.DB.ListOrdersForUser(c.Request.Context(), CurrentUserID(c), listLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	out := make([]gin.H, 0, len(orders))
	for _, o := range orders {
		item := gin.H{
			"id":                o.ID,
			"symbol":            o.Symbol,
			"side":              o.Side,
			"order_type":        o.OrderType,
			"quantity":          o.Quantity,
			"filled_quantity":   o.FilledQuantity,
			"status":            o.Status,
			"exchange_order_id": o.ExchangeOrderID,
			"created_at":        o.CreatedAt,
		}
		if o.Price.Valid {
			item["price"] = o.Price.Float64
		}
		if o.StopPrice.Valid {
			item["stop_price"] = o.StopPrice.Float64
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.DB.ListPositionsForUser(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	out := make([]gin.H, 0, len(positions))
	for _, p := range positions {
		out = append(out, gin.H{
			"id":             p.ID,
			"symbol":         p.Symbol,
			"quantity":       p.Quantity,
			"entry_price":    p.EntryPrice,
			"mark_price":     p.MarkPrice,
			"unrealized_pnl": p.UnrealizedPnL,
			"updated_at":     p.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"positions": out})
}

func (s *Server) getTrades(c *gin.Context) {
	trades, err := s.DB.ListTradesForUser(c.Request.Context(), CurrentUserID(c), listLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	out := make([]gin.H, 0, len(trades))
	for _, t := range trades {
		out = append(out, gin.H{
			"id":                t.ID,
			"symbol":            t.Symbol,
			"side":              t.Side,
			"quantity":          t.Quantity,
			"avg_price":         t.AvgPrice,
			"commission":        t.Commission,
			"realized_pnl":      t.RealizedPnL,
			"exchange_order_id": t.ExchangeOrderID,
			"created_at":        t.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"trades": out})
}
