package backend

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// APIError is returned when the backend is unreachable or rejects a request.
type APIError struct {
	Msg        string
	StatusCode int
}

func (e *APIError) Error() string {
	return e.Msg
}

type errorResponse struct {
	Message string `json:"message"`
}

func parseError(resp *http.Response, respErr error) error {
	if resp == nil || respErr != nil {
		return &APIError{Msg: "backend unreachable"}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 399 {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	parsedResponse := &errorResponse{}
	if err := json.NewDecoder(resp.Body).Decode(parsedResponse); err != nil || parsedResponse.Message == "" {
		return &APIError{Msg: fmt.Sprintf("backend error (%v)", resp.StatusCode), StatusCode: resp.StatusCode}
	}

	return &APIError{Msg: parsedResponse.Message, StatusCode: resp.StatusCode}
}
