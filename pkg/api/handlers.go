package api

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/khryptorgraphics/rtverify/pkg/pipeline"
	"github.com/khryptorgraphics/rtverify/pkg/report"
)

// healthHandler reports liveness.
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// loginHandler exchanges credentials for a bearer token.
func (s *Server) loginHandler(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}
	token, err := s.jwtSvc.Authenticate(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, token)
}

// readSpec pulls the specification text from the request body, bounded by
// the configured size limit.
func (s *Server) readSpec(c *gin.Context) (string, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, s.config.API.MaxBodySize))
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must contain a specification"})
		return "", false
	}
	return string(body), true
}

// verifyHandler runs the pipeline synchronously and returns the full
// result. Long verifications should use the asynchronous run endpoints.
func (s *Server) verifyHandler(c *gin.Context) {
	input, ok := s.readSpec(c)
	if !ok {
		return
	}

	controller := pipeline.New(s.runs.pipelineConfig(), s.runs.verifierFor(), s.logger,
		pipeline.WithPropertySource(s.runs.source))
	result, err := controller.Run(c.Request.Context(), input)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// createRunHandler starts an asynchronous run.
func (s *Server) createRunHandler(c *gin.Context) {
	input, ok := s.readSpec(c)
	if !ok {
		return
	}
	run := s.runs.Submit(input, c.GetString("username"))
	c.JSON(http.StatusAccepted, gin.H{
		"id":         run.ID,
		"state":      run.State,
		"created_at": run.CreatedAt,
	})
}

// listRunsHandler returns active and recent runs.
func (s *Server) listRunsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": s.runs.List()})
}

// lookupRun resolves the id parameter against the in-memory manager.
func (s *Server) lookupRun(c *gin.Context) (*ManagedRun, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return nil, false
	}
	if run, ok := s.runs.Get(id); ok {
		return run, true
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
	return nil, false
}

// getRunHandler returns a run's state and, when finished, its result.
// Runs from earlier processes are served from the persistent store.
func (s *Server) getRunHandler(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}
	if run, ok := s.runs.Get(id); ok {
		c.JSON(http.StatusOK, run)
		return
	}
	if s.db != nil {
		if record, derr := s.db.Runs.Get(context.Background(), id); derr == nil {
			c.JSON(http.StatusOK, record)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
}

// cancelRunHandler requests cancellation at the next stage boundary.
func (s *Server) cancelRunHandler(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}
	if !s.runs.Cancel(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "run is not running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "state": "cancelling"})
}

func (s *Server) finishedRun(c *gin.Context) (*ManagedRun, bool) {
	run, ok := s.lookupRun(c)
	if !ok {
		return nil, false
	}
	if run.State != RunFinished || run.Result == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "run has not finished"})
		return nil, false
	}
	return run, true
}

// getRunModelHandler returns the emitted model document.
func (s *Server) getRunModelHandler(c *gin.Context) {
	run, ok := s.finishedRun(c)
	if !ok {
		return
	}
	c.Data(http.StatusOK, "application/xml", []byte(run.Result.ModelXML))
}

// getRunPropertiesHandler returns the rendered property list.
func (s *Server) getRunPropertiesHandler(c *gin.Context) {
	run, ok := s.finishedRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"properties": run.Result.Properties,
		"outcome":    run.Result.Outcome,
	})
}

// getRunLogHandler returns the stage log.
func (s *Server) getRunLogHandler(c *gin.Context) {
	run, ok := s.finishedRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, run.Result.Log)
}

// getRunReportHandler renders the design document for a finished run.
func (s *Server) getRunReportHandler(c *gin.Context) {
	run, ok := s.finishedRun(c)
	if !ok {
		return
	}
	doc, err := report.Render(*run.Result)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(doc))
}
