package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/pzread/flux/internal/core"
	"github.com/pzread/flux/internal/observability"
	"github.com/pzread/flux/internal/ratelimit"
	"github.com/pzread/flux/internal/validation"
)

const (
	// refSize is the façade's preferred chunk coalescing granularity:
	// tens of KB, not a hard upper bound.
	refSize = 32 * 1024
	// defaultKeepcount is every flow's core.Config.Keepcount: how many
	// chunks stay resident for late fetchers before delivered ones are
	// freed. CREATE's parameter document carries only an optional
	// size, so this is a fixed system constant rather than a per-request
	// knob.
	defaultKeepcount = 1
	// maxCreateBodyBytes bounds the CREATE parameter document.
	maxCreateBodyBytes = 4096
)

var tracer = otel.Tracer("fluxrelay/httpapi")

const flowIDPattern = `[a-f0-9]{32}`

var (
	patternNew    = regexp.MustCompile(`^/new$`)
	patternPush   = regexp.MustCompile(`^/flow/(` + flowIDPattern + `)/push$`)
	patternEOF    = regexp.MustCompile(`^/flow/(` + flowIDPattern + `)/eof$`)
	patternStatus = regexp.MustCompile(`^/flow/(` + flowIDPattern + `)/status$`)
	patternFetch  = regexp.MustCompile(`^/flow/(` + flowIDPattern + `)/fetch/([^/]+)$`)
	patternPull   = regexp.MustCompile(`^/flow/(` + flowIDPattern + `)/pull$`)
)

// Server is the service façade: it owns no state of its own beyond the
// collaborators it maps external requests onto.
type Server struct {
	pool       *core.Pool
	authorizer *core.Authorizer
	limiter    *ratelimit.TokenBucket
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewServer constructs the façade over its collaborators.
func NewServer(pool *core.Pool, authorizer *core.Authorizer, limiter *ratelimit.TokenBucket, logger *observability.Logger, metrics *observability.Metrics) *Server {
	return &Server{pool: pool, authorizer: authorizer, limiter: limiter, logger: logger, metrics: metrics}
}

// Router builds the route table for this façade.
func (s *Server) Router() *Router {
	rt := NewRouter()
	rt.Handle(http.MethodPost, patternNew, s.handleNew)
	rt.Handle(http.MethodPost, patternPush, s.handlePush)
	rt.Handle(http.MethodPut, patternPush, s.handlePush)
	rt.Handle(http.MethodPost, patternEOF, s.handleEOF)
	rt.Handle(http.MethodPost, patternStatus, s.handleStatus)
	rt.Handle(http.MethodGet, patternFetch, s.handleFetch)
	rt.Handle(http.MethodGet, patternPull, s.handlePull)
	return rt
}

type createRequest struct {
	Size *uint64 `json:"size"`
}

type createResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// handleNew admits a new flow. The declared Content-Length must be present,
// non-zero, and at most 4096 bytes; the body must parse as the parameter
// document.
func (s *Server) handleNew(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "pool.insert")
	defer span.End()

	if r.ContentLength <= 0 || r.ContentLength > maxCreateBodyBytes {
		writeError(w, http.StatusBadRequest, "Invalid Parameter")
		return
	}
	if s.limiter != nil && !s.limiter.Allow(1) {
		writeError(w, http.StatusServiceUnavailable, "Not Ready")
		return
	}

	var req createRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCreateBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid Parameter")
		return
	}
	if req.Size != nil && *req.Size == 0 {
		writeError(w, http.StatusBadRequest, "Invalid Parameter")
		return
	}

	id := core.NewFlowID()
	_, err := s.pool.Insert(id, core.Config{Length: req.Size, Keepcount: defaultKeepcount})
	if err != nil {
		s.metrics.RecordFlowCreated(false)
		writeError(w, http.StatusServiceUnavailable, "Not Ready")
		return
	}
	s.metrics.RecordFlowCreated(true)

	fixedLength := req.Size != nil
	var length uint64
	if fixedLength {
		length = *req.Size
	}
	s.logger.FlowCreated(id, fixedLength, length)

	token := s.authorizer.Sign(id)
	_ = ctx
	writeJSON(w, http.StatusOK, createResponse{ID: id, Token: token})
}

func (s *Server) resolveAuthorized(w http.ResponseWriter, r *http.Request, flowID string) (*core.Flow, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "Missing Token")
		return nil, false
	}
	if !validation.FlowID(flowID) {
		s.metrics.RecordAuthVerification(false)
		s.logger.AuthRejected(flowID)
		writeError(w, http.StatusNotFound, "Not Found")
		return nil, false
	}
	f, ok := s.pool.Get(flowID)
	if !ok || !validation.Token(token) || !s.authorizer.Verify(flowID, token) {
		s.metrics.RecordAuthVerification(false)
		s.logger.AuthRejected(flowID)
		writeError(w, http.StatusNotFound, "Not Found")
		return nil, false
	}
	s.metrics.RecordAuthVerification(true)
	return f, true
}

// handlePush streams the request body into the flow, coalescing into
// chunks of at least refSize bytes before each push, flushing any residue
// once the body ends.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	flowID := routeParams(r)[0]
	f, ok := s.resolveAuthorized(w, r, flowID)
	if !ok {
		return
	}

	ctx, span := tracer.Start(r.Context(), "flow.push")
	defer span.End()

	flog := s.logger.WithFlow(flowID)
	flush := func(chunk []byte) error {
		start := time.Now()
		err := f.Push(ctx, chunk)
		s.metrics.RecordPush(resultLabel(err), len(chunk), time.Since(start).Seconds())
		if err == nil {
			s.logger.ChunkPushed(flowID, 0, len(chunk))
		} else {
			flog.Warn("push rejected: " + err.Error())
		}
		return err
	}

	buf := make([]byte, 0, refSize)
	tmp := make([]byte, 64*1024)
	for {
		n, rerr := r.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for len(buf) >= refSize {
				if err := flush(buf[:refSize:refSize]); err != nil {
					writeError(w, http.StatusBadRequest, "Not Ready")
					return
				}
				buf = append([]byte(nil), buf[refSize:]...)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			// The transport disconnected mid-push; the flow is unharmed
			// but partially pushed. Abandon the remaining body.
			return
		}
	}
	if len(buf) > 0 {
		if err := flush(buf); err != nil {
			writeError(w, http.StatusBadRequest, "Not Ready")
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "rejected"
}

// handleEOF closes the flow.
func (s *Server) handleEOF(w http.ResponseWriter, r *http.Request) {
	flowID := routeParams(r)[0]
	f, ok := s.resolveAuthorized(w, r, flowID)
	if !ok {
		return
	}

	ctx, span := tracer.Start(r.Context(), "flow.close")
	defer span.End()
	_ = ctx

	err := f.Close()
	if err == nil {
		tail, _ := f.Range()
		s.logger.FlowClosed(flowID, false, tail)
		w.WriteHeader(http.StatusOK)
		return
	}
	if errors.Is(err, core.ErrClosed) {
		writeError(w, http.StatusBadRequest, "Closed")
		return
	}
	writeError(w, http.StatusInternalServerError, "Internal")
}

type statusResponse struct {
	Tail uint64 `json:"tail"`
	Next uint64 `json:"next"`
}

// handleStatus reports a flow's cursors. Preserved verbatim from the
// original service: only POST is accepted here, which is surprising for a
// read-only operation but part of the on-the-wire contract.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	flowID := routeParams(r)[0]
	f, ok := s.pool.Get(flowID)
	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	tail, next := f.Range()
	writeJSON(w, http.StatusOK, statusResponse{Tail: tail, Next: next})
}

// handleFetch returns a single chunk without blocking for one that has not
// arrived yet.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	params := routeParams(r)
	flowID := params[0]
	index, err := strconv.ParseUint(params[1], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid Index")
		return
	}

	f, ok := s.pool.Get(flowID)
	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}

	ctx, span := tracer.Start(r.Context(), "flow.fetch")
	defer span.End()

	// "without blocking indefinitely": resolve only what is already
	// resident by handing pull an already-past deadline.
	payload, perr := f.Pull(ctx, index, time.Now())
	switch {
	case perr == nil:
		s.metrics.RecordFetch("ok", len(payload))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	case errors.Is(perr, core.ErrDropped), errors.Is(perr, core.ErrEof):
		s.metrics.RecordFetch("not_found", 0)
		writeError(w, http.StatusNotFound, "Not Found")
	default:
		s.metrics.RecordFetch("error", 0)
		writeError(w, http.StatusInternalServerError, "Internal")
	}
}

// handlePull streams the flow body from its current tail until Eof.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	flowID := routeParams(r)[0]
	f, ok := s.pool.Get(flowID)
	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}

	ctx, span := tracer.Start(r.Context(), "flow.pull")
	defer span.End()

	tail, _ := f.Range()
	cfg := f.Config()
	if cfg.Length != nil && tail == 0 {
		w.Header().Set("Content-Length", strconv.FormatUint(*cfg.Length, 10))
	}
	if filename := r.URL.Query().Get("filename"); filename != "" {
		w.Header().Set("Content-Disposition", "attachment; filename*=UTF-8'en'"+rfc5987Encode(filename))
	}
	w.Header().Set("Content-Type", "application/octet-stream")

	flusher, _ := w.(http.Flusher)
	index := tail
	wroteAny := false
	start := time.Now()
	var delivered int
	for {
		payload, perr := f.Pull(ctx, index, time.Time{})
		if perr != nil {
			if !wroteAny && errors.Is(perr, core.ErrEof) {
				w.WriteHeader(http.StatusOK)
			} else if !wroteAny {
				writeError(w, http.StatusNotFound, "Not Found")
			}
			s.metrics.RecordPull(resultLabel(eofIsOK(perr)), delivered, time.Since(start).Seconds())
			return
		}
		wroteAny = true
		delivered += len(payload)
		_, _ = w.Write(payload)
		if flusher != nil {
			flusher.Flush()
		}
		index++
	}
}

// eofIsOK normalizes Eof, the expected terminal condition of a successful
// pull stream, to a nil error for metrics labeling.
func eofIsOK(err error) error {
	if errors.Is(err, core.ErrEof) {
		return nil
	}
	return err
}
