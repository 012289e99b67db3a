package server

import (
	"errors"
	"net"
	"strings"
)

// addMessageRequest is the body of POST /messages.
type addMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

// connectionsResponse is the body of GET /connections.
type connectionsResponse struct {
	Count int      `json:"count"`
	IDs   []string `json:"ids"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
