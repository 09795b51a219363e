package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/harborwatch/alertgate/internal/script"
	"github.com/harborwatch/alertgate/internal/store"
)

type SubscriptionHandler struct {
	store *store.Store
}

func NewSubscriptionHandler(s *store.Store) *SubscriptionHandler {
	return &SubscriptionHandler{store: s}
}

type createSubscriptionRequest struct {
	URL             string  `json:"url"`
	Secret          string  `json:"secret"`
	TransformScript *string `json:"transform_script,omitempty"`
}

type updateSubscriptionRequest struct {
	URL             *string `json:"url,omitempty"`
	Secret          *string `json:"secret,omitempty"`
	IsActive        *bool   `json:"is_active,omitempty"`
	TransformScript *string `json:"transform_script,omitempty"`
}

func (h *SubscriptionHandler) Create(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		c.String(http.StatusBadRequest, "url is required")
		return
	}
	if req.Secret == "" {
		c.String(http.StatusBadRequest, "secret is required")
		return
	}
	if req.TransformScript != nil {
		if err := script.Validate(*req.TransformScript); err != nil {
			c.String(http.StatusBadRequest, "invalid transform script: %v", err)
			return
		}
	}

	sub, err := h.store.Subscriptions.Create(c.Request.Context(), req.URL, req.Secret, req.TransformScript)
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to create subscription")
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h *SubscriptionHandler) List(c *gin.Context) {
	subs, err := h.store.Subscriptions.List(c.Request.Context())
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if subs == nil {
		c.Data(http.StatusOK, "application/json", []byte("[]"))
		return
	}
	c.JSON(http.StatusOK, subs)
}

func (h *SubscriptionHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid subscription id")
		return
	}

	sub, err := h.store.Subscriptions.GetByID(c.Request.Context(), id)
	if err != nil {
		c.String(http.StatusNotFound, "subscription not found")
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *SubscriptionHandler) Update(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid subscription id")
		return
	}

	var req updateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TransformScript != nil && *req.TransformScript != "" {
		if err := script.Validate(*req.TransformScript); err != nil {
			c.String(http.StatusBadRequest, "invalid transform script: %v", err)
			return
		}
	}

	sub, err := h.store.Subscriptions.Update(c.Request.Context(), id, req.URL, req.Secret, req.IsActive, req.TransformScript)
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to update subscription")
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *SubscriptionHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid subscription id")
		return
	}

	if err := h.store.Subscriptions.Delete(c.Request.Context(), id); err != nil {
		c.String(http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	c.Status(http.StatusNoContent)
}
