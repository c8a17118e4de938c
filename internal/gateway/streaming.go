package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/af-corp/aegis-assistant/internal/completion"
	"github.com/af-corp/aegis-assistant/internal/httputil"
	"github.com/af-corp/aegis-assistant/internal/telemetry"
)

func startStream(w http.ResponseWriter, reqID, contentType string) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteInternalError(w, reqID, "Streaming not supported")
		return nil, false
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Request-ID", reqID)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

// streamSSE forwards provider events to the client, re-framing each data
// payload through the stream's transform. A provider failure after the
// headers are sent is reported as a terminal error event.
func (h *Handler) streamSSE(w http.ResponseWriter, r *http.Request, stream *completion.Stream) {
	reqID := telemetry.RequestID(r.Context())
	flusher, ok := startStream(w, reqID, "text/event-stream")
	if !ok {
		return
	}

	transform := stream.Transform
	if transform == nil {
		transform = func(b []byte) ([]byte, error) { return b, nil }
	}

	scanner := bufio.NewScanner(stream.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			writeDone(w, flusher)
			return
		}

		chunk, err := transform([]byte(data))
		if err != nil {
			h.sseError(w, flusher, r, stream, err)
			return
		}
		if chunk == nil {
			continue
		}
		if string(chunk) == "[DONE]" {
			writeDone(w, flusher)
			return
		}
		if msg, failed := chunkError(chunk); failed {
			h.sseError(w, flusher, r, stream, errors.New(msg))
			return
		}

		fmt.Fprintf(w, "data: %s\n\n", chunk)
		flusher.Flush()
	}

	err := scanner.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	h.sseError(w, flusher, r, stream, err)
}

func writeDone(w io.Writer, flusher http.Flusher) {
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// chunkError reports an OpenAI style in-band error payload.
func chunkError(chunk []byte) (string, bool) {
	if !strings.Contains(string(chunk), `"error"`) {
		return "", false
	}
	var probe struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(chunk, &probe) != nil || probe.Error == nil {
		return "", false
	}
	return probe.Error.Message, true
}

func (h *Handler) sseError(w io.Writer, flusher http.Flusher, r *http.Request, stream *completion.Stream, err error) {
	ctx := r.Context()
	if ctx.Err() != nil {
		// Client went away; nobody is left to tell.
		return
	}
	reqID := telemetry.RequestID(ctx)
	h.logger.Error("completion stream failed",
		"request_id", reqID,
		"provider", stream.Provider,
		"model", stream.Model,
		"error", err,
	)
	payload, _ := json.Marshal(httputil.APIError{Error: httputil.APIErrorBody{
		Message:   "Completion stream interrupted",
		Type:      "server_error",
		Code:      "stream_error",
		Stage:     "completion",
		RequestID: reqID,
	}})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

// streamText copies completion text to the client, flushing after every
// chunk. A failure after the headers are sent aborts the connection so the
// client cannot mistake a truncated answer for a complete one.
func (h *Handler) streamText(w http.ResponseWriter, r *http.Request, body io.Reader) {
	ctx := r.Context()
	reqID := telemetry.RequestID(ctx)
	flusher, ok := startStream(w, reqID, "text/plain; charset=utf-8")
	if !ok {
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			flusher.Flush()
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			h.logger.Error("completion stream failed", "request_id", reqID, "error", err)
			panic(http.ErrAbortHandler)
		}
	}
}
