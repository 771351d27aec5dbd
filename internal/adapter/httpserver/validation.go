package httpserver

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// startRequest is the body of POST /pipeline/start.
type startRequest struct {
	TargetDirectory string `json:"targetDirectory" validate:"required,max=4096"`
	PipelineID      string `json:"pipelineId" validate:"omitempty,max=64"`
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// pipelineIDPattern keeps ids queue- and URL-safe.
var pipelineIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// validateStart normalizes and validates a start request in place. The
// returned details map field names to the violated rule.
func validateStart(req *startRequest) (map[string]string, error) {
	req.TargetDirectory = strings.TrimSpace(req.TargetDirectory)
	req.PipelineID = strings.TrimSpace(req.PipelineID)
	if err := getValidator().Struct(req); err != nil {
		details := map[string]string{}
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				details[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		return details, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument)
	}
	if req.PipelineID != "" && !pipelineIDPattern.MatchString(req.PipelineID) {
		return map[string]string{"pipelineid": "format"},
			fmt.Errorf("%w: pipeline id must be alphanumeric with - or _", domain.ErrInvalidArgument)
	}
	return nil, nil
}
