package jobs

import (
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusStarting    Status = "starting"
	StatusDownloading Status = "downloading"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusUnknown     Status = "unknown"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

func (s Status) rank() int {
	switch s {
	case StatusStarting:
		return 1
	case StatusDownloading:
		return 2
	case StatusProcessing:
		return 3
	case StatusCompleted, StatusError:
		return 4
	}
	return 0
}

// canTransition enforces starting → downloading → processing → completed,
// with error reachable from any non-terminal state. Staying in place is
// allowed so repeated progress patches merge.
func canTransition(from, to Status) bool {
	if from.Terminal() || to.rank() == 0 {
		return false
	}
	if to == StatusError || to == StatusCompleted {
		return true
	}
	return to.rank() >= from.rank()
}

const (
	unknownMessage = "Download not found or expired"

	msgStarting   = "Starting download..."
	msgDownload   = "Downloading..."
	msgProcessing = "Processing file..."
	msgConverting = "Converting to MP3..."
	msgCompleted  = "Download completed successfully!"
	msgNotFound   = "Download failed - file not found"
)

// Snapshot is a point-in-time copy of a job, safe to hand to callers.
type Snapshot struct {
	ID        string  `json:"id,omitempty"`
	Status    Status  `json:"status"`
	Percent   float64 `json:"percent"`
	Speed     string  `json:"speed"`
	ETA       string  `json:"eta"`
	Filesize  string  `json:"filesize"`
	Filename  string  `json:"filename"`
	Message   string  `json:"message"`
	StartTime float64 `json:"start_time"`
	Filepath  string  `json:"filepath,omitempty"`
}

// Patch is a sparse update; nil fields are left untouched.
type Patch struct {
	Status   *Status
	Percent  *float64
	Speed    *string
	ETA      *string
	Filesize *string
	Filename *string
	Message  *string
}

func ptr[T any](v T) *T { return &v }

type job struct {
	snap    Snapshot
	created time.Time
	path    string
}

func newJob(id string, created time.Time) *job {
	return &job{
		created: created,
		snap: Snapshot{
			ID:        id,
			Status:    StatusStarting,
			Speed:     "0 MB/s",
			ETA:       "Unknown",
			Filesize:  "0 MB",
			Message:   msgStarting,
			StartTime: float64(created.UnixNano()) / float64(time.Second),
		},
	}
}

// apply merges p into the job. A terminal job ignores patches; an illegal
// status change keeps the current status but the other fields still merge.
// It reports whether anything was applied.
func (j *job) apply(p Patch) bool {
	if j.snap.Status.Terminal() {
		return false
	}
	if p.Status != nil && canTransition(j.snap.Status, *p.Status) {
		j.snap.Status = *p.Status
	}
	if p.Percent != nil {
		pct := *p.Percent
		if pct < 0 {
			pct = 0
		} else if pct > 100 {
			pct = 100
		}
		j.snap.Percent = pct
	}
	if p.Speed != nil {
		j.snap.Speed = *p.Speed
	}
	if p.ETA != nil {
		j.snap.ETA = *p.ETA
	}
	if p.Filesize != nil {
		j.snap.Filesize = *p.Filesize
	}
	if p.Filename != nil {
		j.snap.Filename = *p.Filename
	}
	if p.Message != nil {
		j.snap.Message = *p.Message
	}
	return true
}

// applyTransfer merges a gateway progress event. Once a job is processing,
// progress from a later part of the same download is dropped so percent and
// message do not fall back.
func (j *job) applyTransfer(p Patch) bool {
	if j.snap.Status == StatusProcessing && p.Status != nil && *p.Status == StatusDownloading {
		return false
	}
	return j.apply(p)
}
