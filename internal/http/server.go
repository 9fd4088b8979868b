package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/contentforge/tasking/internal/log"
	"github.com/contentforge/tasking/pkg/models"
	"github.com/contentforge/tasking/pkg/service"
	"github.com/contentforge/tasking/pkg/storage"
)

// Server exposes the task, group and worker operations over HTTP.
type Server struct {
	tasks   *service.TaskService
	groups  *service.GroupService
	workers *service.WorkerService
}

func NewServer(store storage.Store, notifier service.Notifier) *Server {
	logger := log.GetLogger()
	return &Server{
		tasks:   service.NewTaskService(store, notifier, logger),
		groups:  service.NewGroupService(store, logger),
		workers: service.NewWorkerService(store, notifier, logger),
	}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	router := gin.Default()

	router.GET("/health", s.health)

	router.POST("/tasks", s.createTask)
	router.GET("/tasks", s.listTasks)
	router.GET("/tasks/:id", s.getTask)
	router.GET("/tasks/:id/progress", s.listProgress)
	router.POST("/tasks/:id/cancel", s.cancelTask)
	router.POST("/tasks/purge", s.purgeTasks)

	router.POST("/task-groups", s.createGroup)
	router.GET("/task-groups/:id", s.getGroup)
	router.GET("/task-groups/:id/tasks", s.listGroupTasks)
	router.POST("/task-groups/:id/finish", s.finishGroup)

	router.GET("/workers", s.listWorkers)

	return router
}

// StartServer runs the HTTP API until the listener fails.
func StartServer(port string, store storage.Store, notifier service.Notifier) error {
	log.GetLogger().Infof("Starting tasking server on :%s", port)
	return NewServer(store, notifier).Router().Run(":" + port)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError maps service errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.GetLogger().Errorf("Request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id: " + c.Param("id")})
		return uuid.Nil, false
	}
	return id, true
}

type createTaskRequest struct {
	Name               string         `json:"name"`
	Work               string         `json:"work" binding:"required"`
	Args               models.JSONMap `json:"args"`
	ExclusiveResources []string       `json:"exclusive_resources"`
	SharedResources    []string       `json:"shared_resources"`
	ParentID           *uuid.UUID     `json:"parent_id"`
	GroupID            *uuid.UUID     `json:"group_id"`
	CorrelationID      string         `json:"correlation_id"`
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	task, err := s.tasks.Dispatch(c.Request.Context(), service.DispatchOptions{
		Name:               req.Name,
		Work:               req.Work,
		Args:               req.Args,
		ExclusiveResources: req.ExclusiveResources,
		SharedResources:    req.SharedResources,
		ParentID:           req.ParentID,
		GroupID:            req.GroupID,
		CorrelationID:      req.CorrelationID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) listTasks(c *gin.Context) {
	filter := storage.TaskFilter{
		Worker:   c.Query("worker"),
		Resource: c.Query("resource"),
	}
	for _, raw := range c.QueryArray("state") {
		state := models.TaskState(raw)
		if !state.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state: " + raw})
			return
		}
		filter.States = append(filter.States, state)
	}
	if raw := c.Query("group_id"); raw != "" {
		groupID, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group_id: " + raw})
			return
		}
		filter.GroupID = &groupID
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit: " + raw})
			return
		}
		filter.Limit = limit
	}

	tasks, err := s.tasks.ListTasks(filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) getTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	task, err := s.tasks.GetTask(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) listProgress(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := s.tasks.GetTask(id); err != nil {
		writeError(c, err)
		return
	}
	reports, err := s.tasks.ListProgressReports(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reports)
}

func (s *Server) cancelTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	task, err := s.tasks.Cancel(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type purgeRequest struct {
	FinishedBefore time.Time `json:"finished_before" binding:"required"`
	States         []string  `json:"states"`
}

func (s *Server) purgeTasks(c *gin.Context) {
	var req purgeRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	states := make([]models.TaskState, 0, len(req.States))
	for _, raw := range req.States {
		state := models.TaskState(raw)
		if !state.Terminal() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot purge tasks in state " + raw})
			return
		}
		states = append(states, state)
	}
	deleted, err := s.tasks.Purge(req.FinishedBefore, states)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

type createGroupRequest struct {
	Description string `json:"description"`
}

func (s *Server) createGroup(c *gin.Context) {
	var req createGroupRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	group, err := s.groups.Create(req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, group)
}

func (s *Server) getGroup(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	group, err := s.groups.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, group)
}

func (s *Server) listGroupTasks(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := s.groups.Get(id); err != nil {
		writeError(c, err)
		return
	}
	tasks, err := s.groups.ListTasks(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) finishGroup(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.groups.FinishDispatching(id); err != nil {
		writeError(c, err)
		return
	}
	group, err := s.groups.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, group)
}

func (s *Server) listWorkers(c *gin.Context) {
	includeGone := c.Query("include_gone") == "true"
	workers, err := s.workers.List(includeGone)
	if err != nil {
		writeError(c, err)
		return
	}
	now := time.Now()
	type workerView struct {
		models.Worker
		Status models.WorkerStatus `json:"status"`
	}
	views := make([]workerView, 0, len(workers))
	for _, w := range workers {
		views = append(views, workerView{Worker: w, Status: w.Status(now, s.workers.MissingAfter)})
	}
	c.JSON(http.StatusOK, views)
}
