// Package api resolves model metadata and translated queries into concrete
// calls for one of the supported wire protocols: SharePoint REST, Microsoft
// Graph (v1.0 or beta) or CSOM.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tonimelisma/m365-go/internal/csom"
	"github.com/tonimelisma/m365-go/internal/meta"
)

// Verb is the high-level operation a call performs.
type Verb int

// Verbs.
const (
	VerbGet Verb = iota + 1
	VerbList
	VerbAdd
	VerbUpdate
	VerbDelete
)

func (v Verb) String() string {
	switch v {
	case VerbGet:
		return "get"
	case VerbList:
		return "list"
	case VerbAdd:
		return "add"
	case VerbUpdate:
		return "update"
	case VerbDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Call is one fully resolved request. For REST and Graph, Path is relative
// to the protocol's base URL unless it is absolute (a server-issued next
// link). For CSOM, Op carries the action graph instead of a path.
type Call struct {
	Protocol meta.Protocol
	Verb     Verb
	Method   string
	Path     string
	Header   http.Header
	Body     json.RawMessage
	Op       csom.Operation

	// CorrelationID ties the call to its originating operation in logs,
	// batches and errors.
	CorrelationID string
}

// IsAbsolute reports whether Path is a full URL.
func (c *Call) IsAbsolute() bool {
	return strings.HasPrefix(c.Path, "https://") || strings.HasPrefix(c.Path, "http://")
}

// IsWrite reports whether the call changes server state.
func (c *Call) IsWrite() bool {
	return c.Verb == VerbAdd || c.Verb == VerbUpdate || c.Verb == VerbDelete
}

// Response is the raw outcome of a call. CSOM is set for CSOM calls whose
// response array decoded successfully.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	CSOM       *csom.Response
}
