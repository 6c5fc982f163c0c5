package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/bdougie/stagecut/internal/analyzer"
	"github.com/bdougie/stagecut/internal/errors"
	"github.com/bdougie/stagecut/internal/models"
)

// Job asks a worker to analyse one video.
type Job struct {
	VideoPath   string `json:"video_path"`
	VideoID     string `json:"video_id,omitempty"`
	ProductName string `json:"product_name,omitempty"`
}

// DecodeJob parses a job message. Malformed messages are INVALID_REQUEST.
func DecodeJob(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, errors.NewInvalidRequest(fmt.Sprintf("invalid job message: %v", err))
	}
	if job.VideoPath == "" {
		return Job{}, errors.NewInvalidRequest("job message has no video_path")
	}
	return job, nil
}

// Analyzer runs one analysis.
type Analyzer interface {
	Analyze(ctx context.Context, req analyzer.Request) (*models.Analysis, error)
}

// NewJobHandler runs every delivered job as an independent analysis.
func NewJobHandler(a Analyzer) MessageHandler {
	return func(ctx context.Context, body []byte) error {
		job, err := DecodeJob(body)
		if err != nil {
			return err
		}
		_, err = a.Analyze(ctx, analyzer.Request{
			VideoPath:   job.VideoPath,
			VideoID:     job.VideoID,
			ProductName: job.ProductName,
		})
		return err
	}
}

// Permanent reports whether retrying err cannot succeed: a fatal domain
// error other than an internal one. Untyped errors are retried.
func Permanent(err error) bool {
	var se *errors.StageError
	if !stderrors.As(err, &se) {
		return false
	}
	return se.Fatal() && se.Code != errors.CodeInternal
}
