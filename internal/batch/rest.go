package batch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/google/uuid"

	"github.com/tonimelisma/m365-go/internal/api"
	"github.com/tonimelisma/m365-go/internal/meta"
	"github.com/tonimelisma/m365-go/internal/sdkerr"
	"github.com/tonimelisma/m365-go/internal/transport"
)

const (
	restBatchPath   = "$batch"
	acceptPartREST  = "application/json;odata=nometadata"
	contentTypeHTTP = "application/http"
)

var errMalformedEnvelope = errors.New("batch: malformed multipart response")

// sendREST posts requests as one multipart $batch envelope. Reads are
// top-level parts; every write gets its own changeset so one failing write
// does not roll back another. The service answers in part order, so
// responses are matched to requests by position within the envelope.
func (e *Executor) sendREST(ctx context.Context, b *Batch, requests []*Request) {
	base := e.sender.BaseURL(meta.ProtocolREST)

	body, contentType, err := encodeRESTBatch(base, requests)
	if err != nil {
		failAll(requests, err)
		return
	}

	e.logger.Debug("sending rest batch",
		slog.String("batch_id", b.ID.String()),
		slog.Int("requests", len(requests)),
	)

	resp, err := e.sender.Do(ctx, &transport.Request{
		Protocol: meta.ProtocolREST,
		Method:   http.MethodPost,
		URL:      restBatchPath,
		Header: http.Header{
			"Content-Type": {contentType},
			"Accept":       {"multipart/mixed"},
		},
		Body:          body,
		CorrelationID: b.ID.String(),
	})
	if err != nil {
		failAll(requests, err)
		return
	}

	parts, err := decodeRESTBatch(resp.Header.Get("Content-Type"), resp.Body)
	if err != nil {
		failAll(requests, err)
		return
	}

	for i, r := range requests {
		if i >= len(parts) {
			r.Err = ErrMissingResponse
			continue
		}

		p := parts[i]
		if e.resend && isRetryableStatus(p.StatusCode) {
			e.retryAlone(ctx, r, p.StatusCode)
			continue
		}

		r.Response = p
		if p.StatusCode < http.StatusOK || p.StatusCode >= http.StatusMultipleChoices {
			svcErr := sdkerr.ParseRESTError(p.StatusCode, p.Header, p.Body)
			svcErr.ClientRequestID = r.CorrelationID()
			r.Err = svcErr
		}
	}
}

// retryAlone resends a throttled envelope member on its own so it goes
// through the transport's retry loop and honors Retry-After there. Only
// used with Options.ResendThrottled.
func (e *Executor) retryAlone(ctx context.Context, r *Request, status int) {
	e.logger.Info("resending throttled batch member",
		slog.String("correlation_id", r.CorrelationID()),
		slog.Int("status", status),
	)

	r.Response, r.Err = e.sender.Execute(ctx, r.Call)
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

func failAll(requests []*Request, err error) {
	for _, r := range requests {
		r.Err = err
	}
}

// encodeRESTBatch writes the multipart envelope and returns it with its
// Content-Type header value.
func encodeRESTBatch(base string, requests []*Request) ([]byte, string, error) {
	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)
	if err := mw.SetBoundary("batch_" + uuid.NewString()); err != nil {
		return nil, "", fmt.Errorf("batch: setting boundary: %w", err)
	}

	for _, r := range requests {
		var err error
		if r.Call.IsWrite() {
			err = writeChangeset(mw, base, r.Call)
		} else {
			err = writeHTTPPart(mw, base, r.Call)
		}

		if err != nil {
			return nil, "", err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("batch: closing envelope: %w", err)
	}

	return buf.Bytes(), "multipart/mixed; boundary=" + mw.Boundary(), nil
}

func writeChangeset(mw *multipart.Writer, base string, call *api.Call) error {
	var buf bytes.Buffer

	cw := multipart.NewWriter(&buf)
	if err := cw.SetBoundary("changeset_" + uuid.NewString()); err != nil {
		return fmt.Errorf("batch: setting changeset boundary: %w", err)
	}

	if err := writeHTTPPart(cw, base, call); err != nil {
		return err
	}

	if err := cw.Close(); err != nil {
		return fmt.Errorf("batch: closing changeset: %w", err)
	}

	w, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"multipart/mixed; boundary=" + cw.Boundary()},
	})
	if err != nil {
		return fmt.Errorf("batch: creating changeset part: %w", err)
	}

	_, err = w.Write(buf.Bytes())

	return err
}

func writeHTTPPart(mw *multipart.Writer, base string, call *api.Call) error {
	w, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentTypeHTTP},
		"Content-Transfer-Encoding": {"binary"},
	})
	if err != nil {
		return fmt.Errorf("batch: creating part: %w", err)
	}

	target := call.Path
	if !call.IsAbsolute() {
		target = base + strings.TrimLeft(call.Path, "/")
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "%s %s HTTP/1.1\r\n", call.Method, target)

	h := call.Header.Clone()
	if h == nil {
		h = http.Header{}
	}

	if h.Get("Accept") == "" {
		h.Set("Accept", acceptPartREST)
	}

	if len(call.Body) > 0 && h.Get("Content-Type") == "" {
		h.Set("Content-Type", api.ContentTypeRESTVerbose)
	}

	if err := h.Write(&sb); err != nil {
		return fmt.Errorf("batch: writing part headers: %w", err)
	}

	sb.WriteString("\r\n")
	sb.Write(call.Body)

	_, err = io.WriteString(w, sb.String())

	return err
}

// decodeRESTBatch flattens a multipart batch response into one response
// per request, descending into changeset responses.
func decodeRESTBatch(contentType string, body []byte) ([]*api.Response, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return nil, fmt.Errorf("%w: content type %q", errMalformedEnvelope, contentType)
	}

	var out []*api.Response

	mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return out, nil
		}

		if err != nil {
			return nil, fmt.Errorf("%w: %w", errMalformedEnvelope, err)
		}

		raw, err := io.ReadAll(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errMalformedEnvelope, err)
		}

		partType := part.Header.Get("Content-Type")
		if strings.HasPrefix(partType, "multipart/") {
			nested, err := decodeRESTBatch(partType, raw)
			if err != nil {
				return nil, err
			}

			out = append(out, nested...)

			continue
		}

		resp, err := readHTTPPart(raw)
		if err != nil {
			return nil, err
		}

		out = append(out, resp)
	}
}

func readHTTPPart(raw []byte) (*api.Response, error) {
	hr, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errMalformedEnvelope, err)
	}
	defer hr.Body.Close()

	body, err := io.ReadAll(hr.Body)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: %w", errMalformedEnvelope, err)
	}

	return &api.Response{
		StatusCode: hr.StatusCode,
		Header:     hr.Header,
		Body:       bytes.TrimRight(body, "\r\n"),
	}, nil
}
