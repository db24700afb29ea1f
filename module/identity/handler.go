package identity

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	mid "convocore/middleware"
	midsec "convocore/middleware/security"
)

// HTTP glue. Decode, delegate to the resolver, map taxonomy errors.

type Handler struct {
	resolver *Resolver
	store    Store
}

func NewHandler(resolver *Resolver, store Store) *Handler {
	return &Handler{resolver: resolver, store: store}
}

func (h *Handler) Register(r gin.IRoutes) {
	mid.POST(r, "/conversations/direct", h.resolveDirect, mid.RouteOpt{IsAuth: true})
	mid.POST(r, "/conversations/group", h.createGroup, mid.RouteOpt{IsAuth: true})
	mid.POST(r, "/conversations/join", h.joinByCode, mid.RouteOpt{IsAuth: true})
	mid.POST(r, "/conversations/:id/role", h.changeRole, mid.RouteOpt{IsAuth: true})
	mid.POST(r, "/conversations/:id/remove", h.removeMember, mid.RouteOpt{IsAuth: true})
	mid.GET(r, "/conversations", h.listConversations, mid.RouteOpt{IsAuth: true})
	mid.GET(r, "/conversations/:id/participants", h.listParticipants, mid.RouteOpt{IsAuth: true})
	mid.GET(r, "/users/search", h.searchUsers, mid.RouteOpt{IsAuth: true})
}

func (h *Handler) resolveDirect(c *gin.Context) {
	me, ok := midsec.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"msg": "unauthenticated"})
		return
	}
	var req struct {
		PeerID string `json:"peer_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": err.Error()})
		return
	}
	conv, err := h.resolver.ResolveDirect(context.WithoutCancel(c.Request.Context()), me, req.PeerID)
	if err != nil {
		mid.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) createGroup(c *gin.Context) {
	me, _ := midsec.CurrentUser(c)
	var req struct {
		Name    string   `json:"name" binding:"required"`
		Members []string `json:"members"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": err.Error()})
		return
	}
	conv, err := h.resolver.CreateGroup(context.WithoutCancel(c.Request.Context()), req.Name, me, req.Members)
	if err != nil {
		if errors.Is(err, ErrPartialMembership) {
			// The group exists; tell the caller what they got.
			c.JSON(http.StatusOK, gin.H{"conversation": conv, "partial": true})
			return
		}
		mid.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv, "partial": false})
}

func (h *Handler) joinByCode(c *gin.Context) {
	me, _ := midsec.CurrentUser(c)
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": err.Error()})
		return
	}
	conv, err := h.resolver.JoinByCode(context.WithoutCancel(c.Request.Context()), req.Code, me)
	if err != nil {
		mid.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) changeRole(c *gin.Context) {
	me, _ := midsec.CurrentUser(c)
	var req struct {
		UserID string `json:"user_id" binding:"required"`
		Role   string `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": err.Error()})
		return
	}
	p, err := h.resolver.ChangeRole(context.WithoutCancel(c.Request.Context()), c.Param("id"), req.UserID, Role(req.Role), me)
	if err != nil {
		mid.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) removeMember(c *gin.Context) {
	me, _ := midsec.CurrentUser(c)
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": err.Error()})
		return
	}
	if err := h.resolver.RemoveMember(context.WithoutCancel(c.Request.Context()), c.Param("id"), req.UserID, me); err != nil {
		mid.AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listConversations(c *gin.Context) {
	me, _ := midsec.CurrentUser(c)
	convs, err := h.store.ListConversationsForUser(c.Request.Context(), me)
	if err != nil {
		mid.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, convs)
}

func (h *Handler) listParticipants(c *gin.Context) {
	me, _ := midsec.CurrentUser(c)
	convID := c.Param("id")
	if _, ok, err := h.store.RoleOf(c.Request.Context(), convID, me); err != nil || !ok {
		c.JSON(http.StatusForbidden, gin.H{"msg": "not a participant"})
		return
	}
	parts, err := h.store.ListParticipants(c.Request.Context(), convID)
	if err != nil {
		mid.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, parts)
}

func (h *Handler) searchUsers(c *gin.Context) {
	q := c.Query("handle")
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "handle required"})
		return
	}
	users, err := h.store.SearchByHandle(c.Request.Context(), q)
	if err != nil {
		mid.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}
