package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies a stagecut error.
type ErrorCode string

const (
	CodeDecode              ErrorCode = "DECODE_ERROR"         // fatal: video cannot be opened or read
	CodeOracleFormat        ErrorCode = "ORACLE_FORMAT"        // recovered: default stage fallback
	CodeStageRangeParse     ErrorCode = "STAGE_RANGE_PARSE"    // recovered per descriptor
	CodeDurationUnavailable ErrorCode = "DURATION_UNAVAILABLE" // degrades normalization
	CodeArtifactWrite       ErrorCode = "ARTIFACT_WRITE"       // logged, keyframe kept
	CodeInvalidVideoMeta    ErrorCode = "INVALID_VIDEO_META"
	CodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeInternal            ErrorCode = "INTERNAL"
)

// StageError is a structured error with a code and optional details.
type StageError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *StageError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the error must abort an analysis run.
func (e *StageError) Fatal() bool {
	switch e.Code {
	case CodeOracleFormat, CodeStageRangeParse, CodeDurationUnavailable, CodeArtifactWrite:
		return false
	}
	return true
}

// NewDecode creates a fatal error for a video that cannot be opened, seeked or decoded.
func NewDecode(path string, err error) *StageError {
	return &StageError{
		Code:    CodeDecode,
		Message: fmt.Sprintf("cannot decode video %q", path),
		Details: map[string]any{"path": path},
		Err:     err,
	}
}

// NewFrameDecode creates an error for one frame that could not be decoded.
// Callers treat it as a skipped candidate.
func NewFrameDecode(index int, err error) *StageError {
	return &StageError{
		Code:    CodeDecode,
		Message: fmt.Sprintf("cannot decode frame %d", index),
		Details: map[string]any{"frame_index": index, "skippable": true},
		Err:     err,
	}
}

// NewOracleFormat creates an error for an unusable oracle payload.
func NewOracleFormat(msg string, err error) *StageError {
	return &StageError{
		Code:    CodeOracleFormat,
		Message: msg,
		Err:     err,
	}
}

// NewStageRangeParse creates an error for malformed range text.
func NewStageRangeParse(text string, err error) *StageError {
	return &StageError{
		Code:    CodeStageRangeParse,
		Message: fmt.Sprintf("malformed stage range %q", text),
		Details: map[string]any{"range": text},
		Err:     err,
	}
}

// NewDurationUnavailable creates an error for a video without a known duration.
func NewDurationUnavailable(path string) *StageError {
	return &StageError{
		Code:    CodeDurationUnavailable,
		Message: fmt.Sprintf("duration unavailable for %q", path),
		Details: map[string]any{"path": path},
	}
}

// NewArtifactWrite creates an error for an image that could not be stored.
func NewArtifactWrite(path string, err error) *StageError {
	return &StageError{
		Code:    CodeArtifactWrite,
		Message: fmt.Sprintf("cannot write artifact %q", path),
		Details: map[string]any{"path": path},
		Err:     err,
	}
}

// NewInvalidVideoMeta creates an error for unusable fps or frame count.
func NewInvalidVideoMeta(fps float64, frames int) *StageError {
	return &StageError{
		Code:    CodeInvalidVideoMeta,
		Message: fmt.Sprintf("invalid video metadata: fps=%g frames=%d", fps, frames),
		Details: map[string]any{"fps": fps, "frame_count": frames},
	}
}

// NewInvalidRequest creates an error for invalid parameters.
func NewInvalidRequest(msg string) *StageError {
	return &StageError{
		Code:    CodeInvalidRequest,
		Message: msg,
	}
}

// NewNotFound creates an error for a missing video analysis.
func NewNotFound(videoID string) *StageError {
	return &StageError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("no analysis for video %q", videoID),
		Details: map[string]any{"video_id": videoID},
	}
}

// NewInternal wraps an unexpected error.
func NewInternal(err error) *StageError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &StageError{
		Code:    CodeInternal,
		Message: msg,
		Err:     err,
	}
}

// Is checks whether err (or anything it wraps) is a StageError with the given code.
func Is(err error, code ErrorCode) bool {
	var sErr *StageError
	if stderrors.As(err, &sErr) {
		return sErr.Code == code
	}
	return false
}

// IsSkippableFrame reports whether err is a per-frame decode failure.
func IsSkippableFrame(err error) bool {
	var sErr *StageError
	if !stderrors.As(err, &sErr) || sErr.Code != CodeDecode {
		return false
	}
	skip, _ := sErr.Details["skippable"].(bool)
	return skip
}
