package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tonimelisma/m365-go/internal/api"
	"github.com/tonimelisma/m365-go/internal/meta"
	"github.com/tonimelisma/m365-go/internal/sdkerr"
	"github.com/tonimelisma/m365-go/internal/transport"
)

const graphBatchPath = "$batch"

type graphBatchRequest struct {
	Requests []graphBatchItem `json:"requests"`
}

type graphBatchItem struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

type graphBatchResponse struct {
	Responses []graphBatchResult `json:"responses"`
}

type graphBatchResult struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// sendGraph posts requests as one JSON $batch. Each member is sent with its
// correlation id as the batch id, and responses, which may come back in any
// order, are routed by that id.
func (e *Executor) sendGraph(ctx context.Context, p meta.Protocol, requests []*Request) {
	env := graphBatchRequest{Requests: make([]graphBatchItem, 0, len(requests))}
	byID := make(map[string]*Request, len(requests))

	for _, r := range requests {
		item := graphBatchItem{
			ID:     r.CorrelationID(),
			Method: r.Call.Method,
			URL:    "/" + strings.TrimLeft(r.Call.Path, "/"),
			Body:   r.Call.Body,
		}

		if len(r.Call.Header) > 0 || len(r.Call.Body) > 0 {
			item.Headers = make(map[string]string, len(r.Call.Header)+1)
			for k := range r.Call.Header {
				item.Headers[k] = r.Call.Header.Get(k)
			}

			if len(r.Call.Body) > 0 && item.Headers["Content-Type"] == "" {
				item.Headers["Content-Type"] = api.ContentTypeJSON
			}
		}

		env.Requests = append(env.Requests, item)
		byID[item.ID] = r
	}

	body, err := json.Marshal(env)
	if err != nil {
		failAll(requests, fmt.Errorf("batch: encoding graph batch: %w", err))
		return
	}

	e.logger.Debug("sending graph batch",
		slog.String("protocol", p.String()),
		slog.Int("requests", len(requests)),
	)

	resp, err := e.sender.Do(ctx, &transport.Request{
		Protocol: p,
		Method:   http.MethodPost,
		URL:      graphBatchPath,
		Header:   http.Header{"Content-Type": {api.ContentTypeJSON}},
		Body:     body,
	})
	if err != nil {
		failAll(requests, err)
		return
	}

	var out graphBatchResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		failAll(requests, fmt.Errorf("%w: %w", errMalformedEnvelope, err))
		return
	}

	for _, res := range out.Responses {
		r, ok := byID[res.ID]
		if !ok {
			e.logger.Warn("graph batch response for unknown id", slog.String("id", res.ID))
			continue
		}

		delete(byID, res.ID)

		if e.resend && isRetryableStatus(res.Status) {
			e.retryAlone(ctx, r, res.Status)
			continue
		}

		header := make(http.Header, len(res.Headers))
		for k, v := range res.Headers {
			header.Set(k, v)
		}

		payload := graphBody(res.Body)
		r.Response = &api.Response{StatusCode: res.Status, Header: header, Body: payload}

		if res.Status < http.StatusOK || res.Status >= http.StatusMultipleChoices {
			svcErr := sdkerr.ParseGraphError(res.Status, header, payload)
			if svcErr.ClientRequestID == "" {
				svcErr.ClientRequestID = res.ID
			}

			r.Err = svcErr
		}
	}

	for _, r := range byID {
		r.Err = ErrMissingResponse
	}
}

// graphBody returns the member body as bytes. Non-JSON payloads arrive as
// JSON strings.
func graphBody(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return []byte(s)
		}
	}

	return raw
}
