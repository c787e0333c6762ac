package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/erpsync/internal/pipeline"
)

type syncResponse struct {
	Feed      string `json:"feed"`
	Full      bool   `json:"full"`
	Processed int    `json:"processed"`
	Errors    int    `json:"errors"`
	Pages     int    `json:"pages"`
	Cursor    *int64 `json:"cursor,omitempty"`
}

// SyncFeed runs one mirror pass. ?full=true re-reads every legacy row.
func (s *Server) SyncFeed(c *gin.Context) {
	feed := strings.ToLower(strings.TrimSpace(c.Param("feed")))
	full := false
	if raw := c.Query("full"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			AbortWithError(c, newValidationError("full", "invalid_full", "full must be a boolean"))
			return
		}
		full = parsed
	}

	res, err := s.mirror.Sync(c.Request.Context(), feed, full)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, syncResponse{
		Feed:      res.Feed,
		Full:      res.Full,
		Processed: res.Processed,
		Errors:    res.Errors,
		Pages:     res.Pages,
		Cursor:    res.Cursor,
	})
}

func (s *Server) FeedStats(c *gin.Context) {
	feed := strings.ToLower(strings.TrimSpace(c.Param("feed")))
	stats, err := s.mirror.GetSyncStats(c.Request.Context(), feed)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"feed":        stats.Feed,
		"total":       stats.Total,
		"errors":      stats.Errors,
		"max_version": stats.MaxVersion,
		"last_synced": stats.LastSynced,
	})
}

func (s *Server) RecoverDocuments(c *gin.Context) {
	summary, err := s.pipeline.Recover(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// SyncDocument pushes one document through the pipeline on demand.
func (s *Server) SyncDocument(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		AbortWithError(c, invalidRequestError())
		return
	}
	out, err := s.pipeline.Process(c.Request.Context(), id, pipeline.TriggerManual)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"document_id":  out.DocumentID,
		"outcome":      out.Status,
		"reason":       out.Reason,
		"legacy_batch": out.Batch,
		"provisioned":  out.Provisioned,
	})
}

// Config shows the effective configuration with secrets masked.
func (s *Server) Config(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": s.cfg.Redacted(),
		"feeds":   s.mirror.GetConfig(),
	})
}
