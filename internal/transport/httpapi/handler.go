// Package httpapi is the HTTP intake boundary of the relay.
//
//	GET|POST /          bot_id, chat_id, title, desp, url (query, form or JSON body)
//	GET      /pending   mode=count|all|batch, size=N
//	GET      /healthz
//	GET      /metrics
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"tgrelay/internal/metrics"
	"tgrelay/internal/relay"
	logx "tgrelay/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBodyBytes = 1 << 20

// Intake is the relay surface served over HTTP.
type Intake interface {
	Submit(ctx context.Context, sub relay.Submission) (relay.SubmitResult, error)
	DrainStatus(ctx context.Context, mode string, size int) (relay.DrainReport, error)
}

type handler struct {
	svc Intake
	log logx.Logger
}

// NewRouter builds the intake router. pprof mounts /debug/pprof/.
func NewRouter(svc Intake, log logx.Logger, pprof bool) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{svc: svc, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/", h.submit)
	r.Post("/", h.submit)
	r.Get("/pending", h.pending)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

type errorBody struct {
	Error []string `json:"error"`
}

type queuedBody struct {
	ID        string `json:"id"`
	Delivered bool   `json:"delivered"`
	Queued    int    `json:"queued"`
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	sub, err := readSubmission(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: []string{err.Error()}})
		return
	}

	res, err := h.svc.Submit(r.Context(), sub)
	var ve *relay.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ve.Messages()})
		return
	case err != nil:
		h.log.Error("submit failed", logx.String("request_id", middleware.GetReqID(r.Context())), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: []string{"internal error"}})
		return
	}

	if !res.Delivered {
		writeJSON(w, http.StatusAccepted, queuedBody{ID: res.ID, Delivered: false, Queued: res.Queued})
		return
	}
	ack := res.Ack
	if len(ack) == 0 {
		ack = json.RawMessage(`{"ok":true}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ack)
}

func (h *handler) pending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	size := 0
	if raw := strings.TrimSpace(q.Get("size")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: []string{"size must be a non-negative integer"}})
			return
		}
		size = n
	}

	rep, err := h.svc.DrainStatus(r.Context(), q.Get("mode"), size)
	switch {
	case errors.Is(err, relay.ErrUnknownMode):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: []string{err.Error()}})
	case err != nil:
		h.log.Error("drain failed", logx.String("mode", rep.Mode), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, rep)
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

// readSubmission takes each field from the query string first, then from
// the body (JSON or form).
func readSubmission(w http.ResponseWriter, r *http.Request) (relay.Submission, error) {
	var body relay.Submission
	if r.Body != nil && r.Method == http.MethodPost {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		switch ct {
		case "application/json":
			var jb jsonSubmission
			if err := json.NewDecoder(r.Body).Decode(&jb); err != nil && !errors.Is(err, io.EOF) {
				return relay.Submission{}, errors.New("malformed JSON body")
			}
			body = relay.Submission{
				ChannelID: string(jb.ChannelID),
				ChatID:    string(jb.ChatID),
				Title:     string(jb.Title),
				Body:      string(jb.Body),
				Link:      string(jb.Link),
			}
		default:
			if err := r.ParseForm(); err != nil {
				return relay.Submission{}, errors.New("malformed form body")
			}
			body = relay.Submission{
				ChannelID: r.PostForm.Get("bot_id"),
				ChatID:    r.PostForm.Get("chat_id"),
				Title:     r.PostForm.Get("title"),
				Body:      r.PostForm.Get("desp"),
				Link:      r.PostForm.Get("url"),
			}
		}
	}

	q := r.URL.Query()
	pick := func(k, fallback string) string {
		if v := q.Get(k); v != "" {
			return v
		}
		return fallback
	}
	return relay.Submission{
		ChannelID: pick("bot_id", body.ChannelID),
		ChatID:    pick("chat_id", body.ChatID),
		Title:     pick("title", body.Title),
		Body:      pick("desp", body.Body),
		Link:      pick("url", body.Link),
	}, nil
}

type jsonSubmission struct {
	ChannelID scalar `json:"bot_id"`
	ChatID    scalar `json:"chat_id"`
	Title     scalar `json:"title"`
	Body      scalar `json:"desp"`
	Link      scalar `json:"url"`
}

// scalar accepts a JSON string or number; chat ids are often sent as numbers.
type scalar string

func (s *scalar) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = scalar(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = scalar(n.String())
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
