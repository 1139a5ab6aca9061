package execution

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/ashureev/carat-studio/internal/apperr"
	openai "github.com/sashabaranov/go-openai"
)

// classifyToolError maps an image API failure onto ExternalApiError.
func classifyToolError(err error) *apperr.Error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := strings.ToLower(fmt.Sprint(apiErr.Code) + " " + apiErr.Type)
		return apperr.External(reasonForStatus(apiErr.HTTPStatusCode, code), "image api error", err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return apperr.External(reasonForStatus(reqErr.HTTPStatusCode, ""), "image api request failed", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.External(apperr.ReasonNetwork, "image api timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.External(apperr.ReasonNetwork, "image api unreachable", err)
	}
	return apperr.External(apperr.ReasonUpstream, "image api failed", err)
}

func reasonForStatus(status int, code string) apperr.Reason {
	switch {
	case status == http.StatusTooManyRequests, strings.Contains(code, "insufficient_quota"):
		return apperr.ReasonQuotaExceeded
	case status == http.StatusBadRequest:
		return apperr.ReasonInvalidRequest
	default:
		return apperr.ReasonUpstream
	}
}
