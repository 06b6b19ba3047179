package api

import (
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/agenthub/hubd/pkg/models"
	"github.com/agenthub/hubd/pkg/services"
)

// trustHistoryLimit caps the history rows returned per account.
const trustHistoryLimit = 20

// healthHandler returns the fleet health aggregate. Reports 503 when the
// overall status is critical so orchestrators can act on the status code.
func (s *Server) healthHandler(c *gin.Context) {
	aggregate := s.monitor.Aggregate()
	status := http.StatusOK
	if aggregate.Overall == models.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, aggregate)
}

func (s *Server) accountsHandler(c *gin.Context) {
	names := s.connected.Names()
	sort.Strings(names)

	type accountView struct {
		Name   string                `json:"name"`
		Status string                `json:"status"`
		Health *models.AccountHealth `json:"health,omitempty"`
	}
	accounts := make([]accountView, 0, len(names))
	for _, name := range names {
		view := accountView{Name: name, Status: "active"}
		if rec, ok := s.monitor.Get(name); ok {
			view.Health = &rec
		}
		accounts = append(accounts, view)
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (s *Server) trustHandler(c *gin.Context) {
	account := c.Param("account")
	ctx := c.Request.Context()

	rep, err := s.trust.Get(ctx, account)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	history, err := s.trust.History(ctx, account, trustHistoryLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reputation": rep, "history": history})
}

func (s *Server) tasksHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.tasks.List()})
}

func (s *Server) taskHandler(c *gin.Context) {
	task, err := s.tasks.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) sessionsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.List()})
}
