package transport

import (
	"net/http"

	"github.com/tonimelisma/m365-go/internal/meta"
	"github.com/tonimelisma/m365-go/internal/sdkerr"
)

// statusBandwidthExceeded is SharePoint's 509 Bandwidth Limit Exceeded.
const statusBandwidthExceeded = 509

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		statusBandwidthExceeded:
		return true
	default:
		return false
	}
}

// parseServiceError decodes a failed response in the error shape of its
// protocol. CSOM endpoint failures at the HTTP level use the SharePoint
// REST shape.
func parseServiceError(p meta.Protocol, status int, header http.Header, body []byte) *sdkerr.ServiceError {
	switch p {
	case meta.ProtocolGraph, meta.ProtocolGraphBeta:
		return sdkerr.ParseGraphError(status, header, body)
	case meta.ProtocolCSOM:
		e := sdkerr.ParseRESTError(status, header, body)
		e.Protocol = sdkerr.ProtocolCSOM

		return e
	default:
		return sdkerr.ParseRESTError(status, header, body)
	}
}
