package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/trambar/internal/objects"
	"github.com/MarcoPoloResearchLab/trambar/internal/store"
)

type discoveryRequest struct {
	Criteria objects.Criteria `json:"criteria"`
}

type discoveryResponse struct {
	Versions []objects.Version `json:"versions"`
}

type retrievalRequest struct {
	IDs []int64 `json:"ids"`
}

type objectsPayload struct {
	Objects []objects.Object `json:"objects"`
}

func (h *httpHandler) handleDiscovery(c *gin.Context) {
	schema, table, ok := h.location(c)
	if !ok {
		return
	}
	var request discoveryRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_criteria"})
		return
	}
	versions, err := h.store.Discover(c.Request.Context(), schema, table, request.Criteria)
	if err != nil {
		h.respondWithStoreError(c, "discovery", err)
		return
	}
	c.JSON(http.StatusOK, discoveryResponse{Versions: versions})
}

func (h *httpHandler) handleRetrieval(c *gin.Context) {
	schema, table, ok := h.location(c)
	if !ok {
		return
	}
	var request retrievalRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	list, err := h.store.Retrieve(c.Request.Context(), schema, table, request.IDs)
	if err != nil {
		h.respondWithStoreError(c, "retrieval", err)
		return
	}
	c.JSON(http.StatusOK, objectsPayload{Objects: nonNil(list)})
}

func (h *httpHandler) handleStorage(c *gin.Context) {
	schema, table, ok := h.location(c)
	if !ok {
		return
	}
	var request objectsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	for _, object := range request.Objects {
		if object == nil || object.Validate() != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_object"})
			return
		}
	}
	ctx := c.Request.Context()
	saved, err := h.store.Save(ctx, schema, table, request.Objects)
	if errors.Is(err, store.ErrUnknownTable) {
		// The first write to a table of an allowed schema creates it.
		h.logger.Info("creating table", zap.String("schema", schema), zap.String("table", table))
		if err = h.store.EnsureTable(ctx, schema, table); err == nil {
			saved, err = h.store.Save(ctx, schema, table, request.Objects)
		}
	}
	if err != nil {
		h.respondWithStoreError(c, "storage", err)
		return
	}
	c.JSON(http.StatusOK, objectsPayload{Objects: nonNil(saved)})
}

// location reads the path parameters and checks them against the store and the session.
func (h *httpHandler) location(c *gin.Context) (string, string, bool) {
	schema := c.Param("schema")
	table := c.Param("table")
	if objects.ValidateIdentifier(schema) != nil || objects.ValidateIdentifier(table) != nil || schema == objects.LocalSchema {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_location"})
		return "", "", false
	}
	if !h.store.AllowsSchema(schema) || !sessionFrom(c).AllowsSchema(schema) {
		h.logger.Warn("schema access denied",
			zap.String("user_id", sessionFrom(c).UserID),
			zap.String("schema", schema))
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden_schema"})
		return "", "", false
	}
	return schema, table, true
}

func (h *httpHandler) respondWithStoreError(c *gin.Context, action string, err error) {
	switch {
	case errors.Is(err, objects.ErrInvalidLocation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_location"})
	case errors.Is(err, store.ErrInvalidCriteria), errors.Is(err, objects.ErrInvalidQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_criteria"})
	case errors.Is(err, objects.ErrInvalidObject):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_object"})
	case errors.Is(err, store.ErrInvalidSchema):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden_schema"})
	case errors.Is(err, store.ErrUnknownTable):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_table"})
	case errors.Is(err, store.ErrObjectNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		response := gin.H{"error": action + "_failed"}
		var serviceErr *store.ServiceError
		if errors.As(err, &serviceErr) {
			response["code"] = serviceErr.Code()
		}
		h.logger.Error("data request failed",
			zap.String("action", action),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, response)
	}
}

func nonNil(list []objects.Object) []objects.Object {
	if list == nil {
		return []objects.Object{}
	}
	return list
}
