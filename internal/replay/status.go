package replay

import "replaytasker/internal/apperrors"

// Status is the pipeline stage a job is in.
type Status string

const (
	StatusAdded              Status = "ADDED"
	StatusJobAdded           Status = "JOB_ADDED"
	StatusRecording          Status = "RECORDING"
	StatusRecorded           Status = "RECORDED"
	StatusDescriptionCreated Status = "DESCRIPTION_CREATED"
	StatusBadWordsChecked    Status = "BAD_WORDS_CHECKED"
	StatusThumbnailCreated   Status = "THUMBNAIL_CREATED"
	StatusUploadingToIA      Status = "UPLOADING_TO_IA"
	StatusUploadedToIA       Status = "UPLOADED_TO_IA"
	StatusUploadingToYouTube Status = "UPLOADING_TO_YOUTUBE"
	StatusUploadedToYouTube  Status = "UPLOADED_TO_YOUTUBE"
	StatusFinished           Status = "FINISHED"
	StatusFailed             Status = "FAILED"
	StatusRemovedJob         Status = "REMOVED_JOB"
)

// Pipeline lists the forward stages in order.
var Pipeline = []Status{
	StatusAdded,
	StatusJobAdded,
	StatusRecording,
	StatusRecorded,
	StatusDescriptionCreated,
	StatusBadWordsChecked,
	StatusThumbnailCreated,
	StatusUploadingToIA,
	StatusUploadedToIA,
	StatusUploadingToYouTube,
	StatusUploadedToYouTube,
	StatusFinished,
}

var allowedTransitions = buildTransitions()

func buildTransitions() map[Status]map[Status]bool {
	t := make(map[Status]map[Status]bool, len(Pipeline)+2)
	for i, s := range Pipeline {
		next := map[Status]bool{s: true}
		if i+1 < len(Pipeline) {
			next[Pipeline[i+1]] = true
		}
		if s != StatusFinished {
			next[StatusFailed] = true
		}
		t[s] = next
	}
	t[StatusJobAdded][StatusRemovedJob] = true
	t[StatusFailed] = map[Status]bool{StatusFailed: true}
	t[StatusRemovedJob] = map[Status]bool{StatusRemovedJob: true, StatusFailed: true}
	return t
}

// IsKnown reports whether s is a status of the state machine.
func IsKnown(s Status) bool {
	_, ok := allowedTransitions[s]
	return ok
}

// IsTerminal reports whether no forward transition leaves s.
// Only requeue moves a job out of a terminal state.
func IsTerminal(s Status) bool {
	return s == StatusFinished || s == StatusFailed
}

// CanTransition reports whether a worker may move a job from one status to another.
// Rewriting the same status is always allowed.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Next returns the stage after s in the pipeline.
func Next(s Status) (Status, bool) {
	for i, p := range Pipeline {
		if p == s && i+1 < len(Pipeline) {
			return Pipeline[i+1], true
		}
	}
	return "", false
}

// ValidateTransition returns an invalid transition error if from -> to is not allowed.
func ValidateTransition(id string, from, to Status) error {
	if !CanTransition(from, to) {
		return apperrors.InvalidTransition(id, string(from), string(to))
	}
	return nil
}
