package ledger

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	mid "convocore/middleware"
	midsec "convocore/middleware/security"
)

const defaultPageSize = 50

type Handler struct {
	ledger *Ledger
}

func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

func (h *Handler) Register(r gin.IRoutes) {
	mid.POST(r, "/conversations/:id/messages", h.append, mid.RouteOpt{IsAuth: true})
	mid.GET(r, "/conversations/:id/messages", h.list, mid.RouteOpt{IsAuth: true})
	mid.POST(r, "/messages/:id/edit", h.edit, mid.RouteOpt{IsAuth: true})
	mid.POST(r, "/messages/:id/delete", h.softDelete, mid.RouteOpt{IsAuth: true})
}

func (h *Handler) append(c *gin.Context) {
	me, ok := midsec.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"msg": "unauthenticated"})
		return
	}
	var p Payload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": err.Error()})
		return
	}
	// A submitted write completes even if the client goes away.
	m, err := h.ledger.Append(context.WithoutCancel(c.Request.Context()), c.Param("id"), me, p)
	if err != nil {
		mid.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) list(c *gin.Context) {
	me, _ := midsec.CurrentUser(c)
	cur := Cursor{AfterID: c.Query("after_id")}
	if v := c.Query("after_ts_ms"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"msg": "after_ts_ms must be an integer"})
			return
		}
		cur.AfterTsMS = ts
	}
	limit := defaultPageSize
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"msg": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	msgs, next, err := h.ledger.ListSince(c.Request.Context(), c.Param("id"), me, cur, limit)
	if err != nil {
		mid.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "next": next})
}

func (h *Handler) edit(c *gin.Context) {
	me, _ := midsec.CurrentUser(c)
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": err.Error()})
		return
	}
	m, err := h.ledger.Edit(context.WithoutCancel(c.Request.Context()), c.Param("id"), req.Content, me)
	if err != nil {
		mid.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) softDelete(c *gin.Context) {
	me, _ := midsec.CurrentUser(c)
	m, err := h.ledger.SoftDelete(context.WithoutCancel(c.Request.Context()), c.Param("id"), me)
	if err != nil {
		mid.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}
