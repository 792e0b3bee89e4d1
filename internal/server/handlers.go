package server

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/scripting-kit/ipadl/internal/api"
	"github.com/scripting-kit/ipadl/internal/diskspace"
	"github.com/scripting-kit/ipadl/internal/download"
	"github.com/scripting-kit/ipadl/internal/tasklist"
	"github.com/scripting-kit/ipadl/internal/types"
	"github.com/scripting-kit/ipadl/internal/version"
)

// CreateTaskRequest is the body of POST /api/tasks
type CreateTaskRequest struct {
	URL    string `json:"url" binding:"required"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Folder string `json:"folder"`
	// Start overrides the server's auto start setting
	Start *bool `json:"start"`
	// Probe resolves name and size with a HEAD request first. Defaults to true.
	Probe *bool `json:"probe"`
}

// TaskResponse is a task snapshot plus what a start attempt did
type TaskResponse struct {
	Task    download.TaskInfo `json:"task"`
	Outcome string            `json:"outcome,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// SystemInfo is returned by GET /api/system
type SystemInfo struct {
	Directory           string           `json:"directory"`
	Disk                *diskspace.Usage `json:"disk,omitempty"`
	DiskError           string           `json:"diskError,omitempty"`
	Tasks               int              `json:"tasks"`
	Downloading         int              `json:"downloading"`
	MaxTaskCount        int              `json:"maxTaskCount"`
	MaxDownloadingCount int              `json:"maxDownloadingCount"`
	Clients             int              `json:"clients"`
	Keepalive           bool             `json:"keepalive"`
	Version             version.Info     `json:"version"`
}

// lookup resolves :id, attaching a not found error when it is unknown
func (s *Server) lookup(c *gin.Context) (*download.Task, bool) {
	id := c.Param("id")
	task, ok := s.downloads.FindTaskByID(id)
	if !ok {
		c.Error(&types.ErrorInfo{Code: types.ErrTaskNotFound, Message: "task not found", Details: id})
		return nil, false
	}
	return task, true
}

func (s *Server) handleListTasks(c *gin.Context) {
	status := download.StatusAll
	if q := c.Query("status"); q != "" {
		parsed, err := download.ParseStatus(q)
		if err != nil {
			api.ValidationError(c, err)
			return
		}
		status = parsed
	}

	tasks := s.downloads.TasksByStatus(status)
	infos := make([]download.TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		infos = append(infos, t.Snapshot())
	}
	api.List(c, infos)
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.ValidationError(c, err)
		return
	}

	if req.ID != "" {
		if existing, ok := s.downloads.FindTaskByID(req.ID); ok {
			api.Success(c, TaskResponse{Task: existing.Snapshot()})
			return
		}
	}

	opts := download.TaskOptions{ID: req.ID, URL: req.URL, Name: req.Name, Folder: req.Folder}
	if req.Probe == nil || *req.Probe {
		md, err := s.probe(c.Request.Context(), req.URL)
		if err != nil {
			respondError(c, "failed to resolve download", err, types.ErrUpstreamFailed)
			return
		}
		if opts.Name == "" {
			opts.Name = md.Name
		}
		opts.TotalSize = md.Size
	}

	task, created, err := s.downloads.AddTask(opts)
	if err != nil {
		respondError(c, "failed to create task", err, types.ErrInternalError)
		return
	}
	if !created {
		// another request registered the same ID while this one probed
		api.Success(c, TaskResponse{Task: task.Snapshot()})
		return
	}
	s.track(task)

	resp := TaskResponse{}
	start := s.config.AutoStart
	if req.Start != nil {
		start = *req.Start
	}
	if start {
		outcome, err := task.Start(true)
		resp.Outcome = outcome.String()
		if err != nil && outcome == download.OutcomeRejected {
			resp.Error = err.Error()
		}
	}
	resp.Task = task.Snapshot()
	api.Created(c, resp)
}

// probe resolves metadata while a placeholder shows the URL as fetching
func (s *Server) probe(ctx context.Context, url string) (tasklist.Metadata, error) {
	key := "probe-" + uuid.New().String()
	s.tasks.Dispatch(tasklist.Fetching(key, url))
	defer s.tasks.Dispatch(tasklist.Remove(key))

	ctx, cancel := context.WithTimeout(ctx, s.config.ProbeTimeout)
	defer cancel()
	return tasklist.Probe(ctx, s.client, url)
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, ok := s.lookup(c)
	if !ok {
		return
	}
	api.Success(c, task.Snapshot())
}

// handleStartTask starts a task, or cancels it when it is already running
func (s *Server) handleStartTask(c *gin.Context) {
	task, ok := s.lookup(c)
	if !ok {
		return
	}

	outcome, err := task.Start(true)
	resp := TaskResponse{Outcome: outcome.String()}
	switch outcome {
	case download.OutcomeQueued:
		resp.Task = task.Snapshot()
		api.Accepted(c, resp)
	case download.OutcomeRejected:
		respondError(c, "task was not started", err, types.ErrConflict)
	default:
		resp.Task = task.Snapshot()
		api.Success(c, resp)
	}
}

func (s *Server) handleCancelTask(c *gin.Context) {
	task, ok := s.lookup(c)
	if !ok {
		return
	}
	cancelled := task.Cancel()
	api.Success(c, gin.H{"cancelled": cancelled, "task": task.Snapshot()})
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	task, ok := s.lookup(c)
	if !ok {
		return
	}
	task.Remove()
	api.NoContent(c)
}

func (s *Server) handleCancelAll(c *gin.Context) {
	api.Success(c, gin.H{"cancelled": s.downloads.CancelAllTasks()})
}

func (s *Server) handleClearTasks(c *gin.Context) {
	s.downloads.ClearAllTasks()
	api.NoContent(c)
}

func (s *Server) handleSystem(c *gin.Context) {
	cfg := s.downloads.Config()
	info := SystemInfo{
		Directory:           cfg.Directory,
		Tasks:               s.downloads.TaskCount(),
		Downloading:         s.downloads.DownloadingCount(),
		MaxTaskCount:        cfg.MaxTaskCount,
		MaxDownloadingCount: cfg.MaxDownloadingCount,
		Clients:             s.hub.ClientCount(),
		Version:             version.Get(),
	}
	if s.background != nil {
		info.Keepalive = s.background.Active()
	}
	if usage, err := s.diskProbe(cfg.Directory); err != nil {
		info.DiskError = err.Error()
	} else {
		info.Disk = &usage
	}
	api.Success(c, info)
}
