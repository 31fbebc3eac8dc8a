package main

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"

	"github.com/getsentry/sentry-go"
	gojson "github.com/goccy/go-json"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/threadprof/internal/agent"
	"github.com/getsentry/threadprof/internal/calltree"
	"github.com/getsentry/threadprof/internal/errorutil"
	"github.com/getsentry/threadprof/internal/httputil"
	"github.com/getsentry/threadprof/internal/ingest"
	"github.com/getsentry/threadprof/internal/metrics"
	"github.com/getsentry/threadprof/internal/render"
)

type (
	GetFunctionsResponse struct {
		Functions []metrics.FunctionMetrics `json:"functions"`
	}

	GetThreadsResponse struct {
		Threads []agent.ThreadStats `json:"threads"`
		GC      agent.GCStats       `json:"gc"`
	}

	PostEventsResponse struct {
		Accepted int `json:"accepted"`
		Rejected int `json:"rejected"`
	}
)

func hubFromRequest(r *http.Request) *sentry.Hub {
	if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
		return hub
	}
	return sentry.CurrentHub()
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	s := sentry.StartSpan(r.Context(), "json.marshal")
	b, err := gojson.Marshal(v)
	s.Finish()
	if err != nil {
		hubFromRequest(r).CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func (e *environment) getHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (e *environment) getTrees(w http.ResponseWriter, r *http.Request) {
	p, _, ok := httputil.GetBoolQueryParameters(w, r, "compact")
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := e.agent.RenderAllTrees(w, p["compact"]); err != nil {
		hubFromRequest(r).CaptureException(err)
		log.Error().Err(err).Msg("can't render call trees")
	}
}

func (e *environment) deleteTrees(w http.ResponseWriter, r *http.Request) {
	e.agent.ClearAll()
	w.WriteHeader(http.StatusNoContent)
}

func (e *environment) getThreads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, GetThreadsResponse{Threads: e.agent.ThreadStats(), GC: e.agent.GCStats()})
}

func (e *environment) getThreadTree(w http.ResponseWriter, r *http.Request) {
	hub := hubFromRequest(r)
	ps := httprouter.ParamsFromContext(r.Context())
	rawThreadID := ps.ByName("thread_id")
	threadID, err := strconv.ParseInt(rawThreadID, 10, 64)
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	hub.Scope().SetTag("thread_id", rawThreadID)

	p, _, ok := httputil.GetBoolQueryParameters(w, r, "compact")
	if !ok {
		return
	}
	var b bytes.Buffer
	if !e.agent.Arena().View(threadID, func(t *calltree.CallStackTree) {
		_ = render.CallTree(&b, t, p["compact"])
	}) {
		http.Error(w, errorutil.ErrTreeNotFound.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(b.Bytes())
}

func (e *environment) getStacks(w http.ResponseWriter, r *http.Request) {
	dump, err := e.agent.FormatStackTraces()
	if err != nil {
		hubFromRequest(r).CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(dump))
}

func (e *environment) getFunctions(w http.ResponseWriter, r *http.Request) {
	limit := uint64(agent.DefaultMaxUniqueFunctions)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		l, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || l == 0 {
			http.Error(w, "expected a positive limit query parameter", http.StatusBadRequest)
			return
		}
		limit = l
	}
	writeJSON(w, r, http.StatusOK, GetFunctionsResponse{Functions: e.agent.Functions(uint(limit))})
}

func (e *environment) getPprof(w http.ResponseWriter, r *http.Request) {
	p := e.agent.Pprof()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="threadprof.pb.gz"`)
	if err := p.Write(w); err != nil {
		hubFromRequest(r).CaptureException(err)
		log.Error().Err(err).Msg("can't write pprof profile")
	}
}

func (e *environment) getSpeedscope(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, e.agent.Speedscope())
}

func (e *environment) postEvents(w http.ResponseWriter, r *http.Request) {
	hub := hubFromRequest(r)

	s := sentry.StartSpan(r.Context(), "json.unmarshal")
	events, err := ingest.DecodeEvents(r.Body)
	s.Finish()
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s = sentry.StartSpan(r.Context(), "events.dispatch")
	n, err := e.dispatcher.DispatchAll(events)
	s.Finish()
	if err != nil {
		log.Warn().Err(err).Int("accepted", n).Int("rejected", len(events)-n).Msg("events rejected")
	}

	status := http.StatusAccepted
	if n == 0 && len(events) > 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, r, status, PostEventsResponse{Accepted: n, Rejected: len(events) - n})
}

var errUnknownTraceState = errors.New("unknown trace state")

func (e *environment) postTrace(w http.ResponseWriter, r *http.Request) {
	ps := httprouter.ParamsFromContext(r.Context())
	switch ps.ByName("state") {
	case "on":
		e.agent.SetTraceEnabled(true)
	case "off":
		e.agent.SetTraceEnabled(false)
	default:
		http.Error(w, errUnknownTraceState.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
