// Package replay defines replay jobs, their status state machine, and the
// selection and escalation policies the dispatcher applies to them.
package replay

import "time"

// Job is one replay going through the processing pipeline.
type Job struct {
	ID              string    `json:"id"`
	Status          Status    `json:"status"`
	Created         bool      `json:"created"`
	Failed          bool      `json:"failed"`
	FailCount       int       `json:"failCount"`
	PlayerRequested bool      `json:"playerRequested"`
	DateAdded       time.Time `json:"dateAdded"`
	UpdatedAt       time.Time `json:"updatedAt"`
	VideoProcessed  bool      `json:"videoProcessed"`
	ArchiveFilename string    `json:"archiveFilename,omitempty"`
	YouTubeID       string    `json:"youtubeId,omitempty"`
	YouTubeUploaded bool      `json:"youtubeUploaded"`
	Match           Match     `json:"match"`
}

// Eligible reports whether the job may be handed to a new worker.
func (j *Job) Eligible() bool {
	return j.Status == StatusAdded && !j.Failed && !j.Created
}

// Broken reports whether the job sits in an intermediate stage without having failed.
func (j *Job) Broken() bool {
	return j.Status != StatusAdded && j.Status != StatusFinished && !j.Failed
}

// Match is the metadata of the recorded match. The core passes it through untouched.
type Match struct {
	P1         string    `json:"p1"`
	P2         string    `json:"p2"`
	P1Loc      string    `json:"p1Loc"`
	P2Loc      string    `json:"p2Loc"`
	P1Rank     int       `json:"p1Rank"`
	P2Rank     int       `json:"p2Rank"`
	Game       string    `json:"game"`
	Emulator   string    `json:"emulator"`
	DateReplay time.Time `json:"dateReplay"`
	Length     int       `json:"length"` // seconds
}

// Description is the generated text published alongside the video.
type Description struct {
	JobID string `json:"jobId"`
	Text  string `json:"description"`
}

// Annotation is one detected character pairing at a point in the video.
type Annotation struct {
	P1Char  string `json:"p1Char"`
	P2Char  string `json:"p2Char"`
	VidTime string `json:"vidTime"`
	Game    string `json:"game"`
}

// ActiveRecord tracks that a worker has picked a job up.
type ActiveRecord struct {
	JobID     string    `json:"jobId"`
	StartTime time.Time `json:"startTime"`
	Length    int       `json:"length"`
}

// Order selects among eligible jobs that are not player requested.
type Order string

const (
	OrderNewest Order = "newest"
	OrderOldest Order = "oldest"
	OrderRandom Order = "random"
)

// Selection is the single configuration object for picking the next job.
type Selection struct {
	PriorityFirst bool  `json:"priorityFirst"`
	Order         Order `json:"order"`
}

// ParseOrder maps a configuration string to an Order, defaulting to newest.
func ParseOrder(s string) Order {
	switch Order(s) {
	case OrderOldest:
		return OrderOldest
	case OrderRandom:
		return OrderRandom
	default:
		return OrderNewest
	}
}
