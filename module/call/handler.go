package call

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	mid "convocore/middleware"
	midsec "convocore/middleware/security"
)

type Handler struct {
	machine *Machine
}

func NewHandler(m *Machine) *Handler { return &Handler{machine: m} }

func (h *Handler) Register(r gin.IRoutes) {
	mid.POST(r, "/conversations/:id/calls", h.start, mid.RouteOpt{IsAuth: true})
	mid.GET(r, "/conversations/:id/calls/live", h.live, mid.RouteOpt{IsAuth: true})
	mid.POST(r, "/calls/:id/join", h.join, mid.RouteOpt{IsAuth: true})
	mid.POST(r, "/calls/:id/end", h.end, mid.RouteOpt{IsAuth: true})
}

func (h *Handler) start(c *gin.Context) {
	me, ok := midsec.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"msg": "unauthenticated"})
		return
	}
	var req struct {
		Type string `json:"call_type" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": err.Error()})
		return
	}
	sess, err := h.machine.Start(context.WithoutCancel(c.Request.Context()), c.Param("id"), me, CallType(req.Type))
	if err != nil {
		mid.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) live(c *gin.Context) {
	me, _ := midsec.CurrentUser(c)
	sess, err := h.machine.Live(c.Request.Context(), c.Param("id"), me)
	if err != nil {
		mid.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) join(c *gin.Context) {
	me, _ := midsec.CurrentUser(c)
	sess, err := h.machine.Join(context.WithoutCancel(c.Request.Context()), c.Param("id"), me)
	if err != nil {
		mid.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) end(c *gin.Context) {
	me, _ := midsec.CurrentUser(c)
	sess, err := h.machine.End(context.WithoutCancel(c.Request.Context()), c.Param("id"), me)
	if err != nil {
		mid.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}
