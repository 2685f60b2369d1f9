package control

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/jmylchreest/loopcam/internal/models"
	"github.com/jmylchreest/loopcam/internal/recorder"
)

// Recording is the running session the control API reports on.
type Recording interface {
	Status() recorder.Status
	Stop(reason string) bool
}

// Ledger lists tracked multipart uploads.
type Ledger interface {
	List(ctx context.Context) ([]*models.UploadRecord, error)
	Dangling(ctx context.Context) ([]*models.UploadRecord, error)
}

// Pinger checks a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        Pinger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the ledger database for health checks.
func (h *HealthHandler) WithDB(db Pinger) *HealthHandler {
	h.db = db
	return h
}

// LivezOutput is the output for the liveness endpoint.
type LivezOutput struct {
	Body struct {
		Status string `json:"status" example:"ok"`
	}
}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// HealthResponse reports process and host health.
type HealthResponse struct {
	Status        string            `json:"status" example:"healthy"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	CPU           CPUInfo           `json:"cpu"`
	Memory        MemoryInfo        `json:"memory"`
	Checks        map[string]string `json:"checks"`
}

// CPUInfo contains host load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo contains host and process memory usage in megabytes.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	ProcessMB         float64 `json:"process_mb"`
	ChildProcessCount int     `json:"child_process_count"`
	ChildProcessesMB  float64 `json:"child_processes_mb"`
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      http.MethodGet,
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the recorder process including host metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetLivez reports that the process is serving requests.
func (h *HealthHandler) GetLivez(_ context.Context, _ *struct{}) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// GetHealth returns the health status of the process.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	status := "healthy"
	checks := map[string]string{"database": "unknown"}
	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			checks["database"] = "error"
			status = "degraded"
		} else {
			checks["database"] = "ok"
		}
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        status,
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			CPU:           cpuInfo(ctx),
			Memory:        memoryInfo(ctx),
			Checks:        checks,
		},
	}, nil
}

func cpuInfo(ctx context.Context) CPUInfo {
	info := CPUInfo{Cores: runtime.NumCPU()}

	avg, err := load.AvgWithContext(ctx)
	if err == nil && avg != nil {
		info.Load1Min = avg.Load1
		info.Load5Min = avg.Load5
		info.Load15Min = avg.Load15
		if info.Cores > 0 {
			info.LoadPercentage1Min = (avg.Load1 / float64(info.Cores)) * 100
		}
	}
	return info
}

func memoryInfo(ctx context.Context) MemoryInfo {
	const mb = 1024 * 1024
	info := MemoryInfo{}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil && vm != nil {
		info.TotalMemoryMB = float64(vm.Total) / mb
		info.UsedMemoryMB = float64(vm.Used) / mb
		info.AvailableMemoryMB = float64(vm.Available) / mb
	}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())) //nolint:gosec // pid fits in int32
	if err != nil {
		return info
	}
	if mi, err := proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		info.ProcessMB = float64(mi.RSS) / mb
	}

	// ffmpeg runs as a child, so its memory is part of the recorder's footprint.
	children, err := proc.ChildrenWithContext(ctx)
	if err == nil {
		info.ChildProcessCount = len(children)
		for _, child := range children {
			if mi, err := child.MemoryInfoWithContext(ctx); err == nil && mi != nil {
				info.ChildProcessesMB += float64(mi.RSS) / mb
			}
		}
	}
	return info
}

// RecordingHandler exposes the running session.
type RecordingHandler struct {
	recording Recording
}

// NewRecordingHandler creates a handler for rec.
func NewRecordingHandler(rec Recording) *RecordingHandler {
	return &RecordingHandler{recording: rec}
}

// StatusOutput is the output for the status endpoint.
type StatusOutput struct {
	Body recorder.Status
}

// StopInput is the input for the stop endpoint.
type StopInput struct{}

// StopOutput is the output for the stop endpoint.
type StopOutput struct {
	Body StopResponse
}

// StopResponse reports the outcome of a stop request.
type StopResponse struct {
	Stopped         bool           `json:"stopped" doc:"True if this request stopped the recording"`
	AlreadyStopping bool           `json:"already_stopping" doc:"True if the recording was already stopping"`
	State           recorder.State `json:"state"`
}

// Register registers the recording routes with the API.
func (h *RecordingHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getRecordingStatus",
		Method:      http.MethodGet,
		Path:        "/api/v1/status",
		Summary:     "Recording status",
		Description: "Returns the session state with live buffer and capture statistics",
		Tags:        []string{"Recording"},
	}, h.GetStatus)

	huma.Register(api, huma.Operation{
		OperationID:   "stopRecording",
		Method:        http.MethodPost,
		Path:          "/api/v1/stop",
		Summary:       "Stop recording",
		Description:   "Stops capture and starts uploading the retained window",
		Tags:          []string{"Recording"},
		DefaultStatus: http.StatusAccepted,
	}, h.Stop)
}

// GetStatus returns the session status.
func (h *RecordingHandler) GetStatus(_ context.Context, _ *struct{}) (*StatusOutput, error) {
	return &StatusOutput{Body: h.recording.Status()}, nil
}

// Stop asks the session to stop.
func (h *RecordingHandler) Stop(_ context.Context, _ *StopInput) (*StopOutput, error) {
	stopped := h.recording.Stop(recorder.ReasonAPI)
	return &StopOutput{
		Body: StopResponse{
			Stopped:         stopped,
			AlreadyStopping: !stopped,
			State:           h.recording.Status().State,
		},
	}, nil
}

// UploadHandler exposes the upload ledger.
type UploadHandler struct {
	ledger Ledger
}

// NewUploadHandler creates a handler for the ledger. A nil ledger makes the
// endpoint report 503.
func NewUploadHandler(l Ledger) *UploadHandler {
	return &UploadHandler{ledger: l}
}

// ListUploadsInput is the input for listing uploads.
type ListUploadsInput struct {
	Dangling bool   `query:"dangling" doc:"Only return sessions that may still hold parts in the store"`
	Status   string `query:"status" doc:"Only return sessions in this status"`
}

// ListUploadsOutput is the output for listing uploads.
type ListUploadsOutput struct {
	Body struct {
		Uploads []UploadResponse `json:"uploads"`
		Count   int              `json:"count"`
	}
}

// UploadResponse is one ledger row.
type UploadResponse struct {
	ID         string     `json:"id"`
	Key        string     `json:"key"`
	Bucket     string     `json:"bucket,omitempty"`
	UploadID   string     `json:"upload_id"`
	Status     string     `json:"status"`
	Parts      int        `json:"parts"`
	TotalBytes int64      `json:"total_bytes"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func uploadResponseFrom(r *models.UploadRecord) UploadResponse {
	return UploadResponse{
		ID:         r.ID.String(),
		Key:        r.Key,
		Bucket:     r.Bucket,
		UploadID:   r.UploadID,
		Status:     string(r.Status),
		Parts:      r.Parts,
		TotalBytes: r.TotalBytes,
		Error:      r.Error,
		CreatedAt:  r.CreatedAt,
		FinishedAt: r.FinishedAt,
	}
}

// Register registers the upload routes with the API.
func (h *UploadHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listUploads",
		Method:      http.MethodGet,
		Path:        "/api/v1/uploads",
		Summary:     "List uploads",
		Description: "Returns multipart upload sessions tracked by the local ledger",
		Tags:        []string{"Uploads"},
	}, h.List)
}

// List returns ledger rows, newest first.
func (h *UploadHandler) List(ctx context.Context, input *ListUploadsInput) (*ListUploadsOutput, error) {
	if h.ledger == nil {
		return nil, huma.Error503ServiceUnavailable("upload ledger is disabled")
	}

	var (
		records []*models.UploadRecord
		err     error
	)
	if input.Dangling {
		records, err = h.ledger.Dangling(ctx)
	} else {
		records, err = h.ledger.List(ctx)
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list uploads", err)
	}

	out := &ListUploadsOutput{}
	out.Body.Uploads = make([]UploadResponse, 0, len(records))
	for _, r := range records {
		if input.Status != "" && string(r.Status) != input.Status {
			continue
		}
		out.Body.Uploads = append(out.Body.Uploads, uploadResponseFrom(r))
	}
	out.Body.Count = len(out.Body.Uploads)
	return out, nil
}

// Handlers groups the control API handlers.
type Handlers struct {
	Health    *HealthHandler
	Recording *RecordingHandler
	Uploads   *UploadHandler
}

// Register registers every non-nil handler with the server's API.
func (s *Server) Register(h Handlers) {
	if h.Health != nil {
		h.Health.Register(s.api)
	}
	if h.Recording != nil {
		h.Recording.Register(s.api)
	}
	if h.Uploads != nil {
		h.Uploads.Register(s.api)
	}
}
