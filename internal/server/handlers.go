package server

import (
	"errors"
	"io"

	"github.com/gin-gonic/gin"

	api "github.com/shepherd-project/modelfetch/internal/api"
	"github.com/shepherd-project/modelfetch/internal/catalog"
	"github.com/shepherd-project/modelfetch/internal/download"
	"github.com/shepherd-project/modelfetch/internal/gguf"
	"github.com/shepherd-project/modelfetch/internal/logger"
	"github.com/shepherd-project/modelfetch/internal/monitor"
	"github.com/shepherd-project/modelfetch/internal/session"
	"github.com/shepherd-project/modelfetch/internal/types"
	"github.com/shepherd-project/modelfetch/internal/version"
)

// CatalogEntryDTO is a catalog entry with the state of its download
type CatalogEntryDTO struct {
	catalog.Entry
	State    download.State `json:"state"`
	Progress int            `json:"progress"`
}

// StartRequest is the body of a start call
type StartRequest struct {
	Resume bool `json:"resume"`
}

// ImportRequest is the body of an import call
type ImportRequest struct {
	Path string `json:"path" binding:"required"`
}

// FavouriteRequest is the body of a favourite update
type FavouriteRequest struct {
	Favourite *bool `json:"favourite" binding:"required"`
}

// MetadataResponse describes a finished artifact
type MetadataResponse struct {
	ModelID  string         `json:"modelId"`
	Path     string         `json:"path"`
	Metadata *gguf.Metadata `json:"metadata"`
	Quant    string         `json:"quantization"`
	ParamsB  float64        `json:"parametersBillions"`
	Chat     bool           `json:"chat"`
}

// handleServerInfo returns server information
func (s *Server) handleServerInfo(c *gin.Context) {
	api.Success(c, gin.H{
		"name":            "modelfetch",
		"version":         version.GetVersionInfo(),
		"downloadDir":     s.resolver.Directory,
		"catalogModels":   s.catalog.Len(),
		"activeDownloads": len(s.downloads.Active()),
		"connections":     s.events.GetConnectionCount(),
		"host":            monitor.Host(),
	})
}

// handleDisk reports free space of the download directory
func (s *Server) handleDisk(c *gin.Context) {
	info, err := monitor.Usage(s.resolver.Directory)
	if err != nil {
		api.Fail(c, err)
		return
	}
	api.Success(c, info)
}

func (s *Server) handleListCatalog(c *gin.Context) {
	statuses, err := s.downloads.List(c.Request.Context())
	if err != nil {
		api.Fail(c, err)
		return
	}
	byID := make(map[string]*download.Status, len(statuses))
	for _, st := range statuses {
		byID[st.ModelID] = st
	}

	entries := s.catalog.List()
	out := make([]CatalogEntryDTO, 0, len(entries))
	for _, e := range entries {
		dto := CatalogEntryDTO{Entry: e, State: download.StateNone}
		if st, ok := byID[e.ID]; ok {
			dto.State, dto.Progress = st.State, st.Progress
		}
		out = append(out, dto)
	}
	api.Success(c, out)
}

func (s *Server) handleGetCatalogEntry(c *gin.Context) {
	e, err := s.catalog.Get(c.Param("id"))
	if err != nil {
		api.Fail(c, err)
		return
	}
	dto := CatalogEntryDTO{Entry: e, State: download.StateNone}
	st, err := s.downloads.Status(c.Request.Context(), e.ID)
	switch {
	case err == nil:
		dto.State, dto.Progress = st.State, st.Progress
	case !errors.Is(err, download.ErrNotFound):
		api.Fail(c, err)
		return
	}
	api.Success(c, dto)
}

func (s *Server) handleListDownloads(c *gin.Context) {
	statuses, err := s.downloads.List(c.Request.Context())
	if err != nil {
		api.Fail(c, err)
		return
	}
	api.Success(c, statuses)
}

func (s *Server) handleGetDownload(c *gin.Context) {
	st, err := s.downloads.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.Fail(c, err)
		return
	}
	api.Success(c, st)
}

// target resolves the catalog entry of the :id parameter
func (s *Server) target(c *gin.Context) (download.Target, bool) {
	e, err := s.catalog.Get(c.Param("id"))
	if err != nil {
		api.Fail(c, err)
		return download.Target{}, false
	}
	t, err := s.resolver.Target(e)
	if err != nil {
		api.BadRequest(c, err.Error())
		return download.Target{}, false
	}
	return t, true
}

// handleStartDownload starts or resumes a download in the background
func (s *Server) handleStartDownload(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		api.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	t, ok := s.target(c)
	if !ok {
		return
	}
	job, err := s.downloads.Start(t, req.Resume)
	if err != nil {
		api.Fail(c, err)
		return
	}

	logger.WithField("model", t.ModelID).WithField("resume", req.Resume).Info("download requested")
	api.Accepted(c, &download.Status{
		ModelID:  job.ModelID,
		State:    job.State(),
		Progress: job.Progress(),
		Active:   true,
	})
}

func (s *Server) handlePauseDownload(c *gin.Context) {
	state, err := s.downloads.Pause(c.Param("id"))
	if err != nil {
		api.Fail(c, err)
		return
	}
	api.Success(c, gin.H{"state": state})
}

func (s *Server) handleCancelDownload(c *gin.Context) {
	deleted, err := s.downloads.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.Fail(c, err)
		return
	}
	api.Success(c, gin.H{"deleted": deleted})
}

func (s *Server) handleDeleteDownload(c *gin.Context) {
	deleted, err := s.downloads.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.Fail(c, err)
		return
	}
	api.Success(c, gin.H{"deleted": deleted})
}

// handleImportDownload adopts a file already on disk as the finished download
func (s *Server) handleImportDownload(c *gin.Context) {
	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	t, ok := s.target(c)
	if !ok {
		return
	}
	sess, err := s.downloads.Import(c.Request.Context(), t, req.Path)
	if err != nil {
		api.Fail(c, err)
		return
	}
	api.Success(c, sess)
}

func (s *Server) handleSetFavourite(c *gin.Context) {
	var req FavouriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	sess, err := s.downloads.SetFavourite(c.Request.Context(), c.Param("id"), *req.Favourite)
	if err != nil {
		api.Fail(c, err)
		return
	}
	api.Success(c, sess)
}

func (s *Server) handleRecordRun(c *gin.Context) {
	sess, err := s.downloads.RecordRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.Fail(c, err)
		return
	}
	api.Success(c, sess)
}

// handleMetadata reads the GGUF header of a completed download
func (s *Server) handleMetadata(c *gin.Context) {
	st, err := s.downloads.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.Fail(c, err)
		return
	}
	if st.Active || st.Session == nil || st.Session.Status() != session.StatusCompleted {
		api.Error(c, types.ErrConflict, "download is not completed")
		return
	}

	md, err := gguf.Inspect(st.Session.SavePath)
	if err != nil {
		api.Fail(c, err)
		return
	}
	api.Success(c, &MetadataResponse{
		ModelID:  st.ModelID,
		Path:     st.Session.SavePath,
		Metadata: md,
		Quant:    md.QuantizationString(),
		ParamsB:  md.ParametersInBillions(),
		Chat:     md.IsChatModel(),
	})
}
