// Command searcher exposes the two-phase topic search over HTTP: clients
// start a search for a target timestamp, poll its status, and may cancel
// it before it completes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/supermusr/data-pipeline/internal/httpserver"
	"github.com/supermusr/data-pipeline/internal/metrics"
	"github.com/supermusr/data-pipeline/internal/otel"
	"github.com/supermusr/data-pipeline/internal/pipelinecfg"
	"github.com/supermusr/data-pipeline/internal/ptr"
	"github.com/supermusr/data-pipeline/internal/queue"
	"github.com/supermusr/data-pipeline/internal/search"
	"github.com/supermusr/data-pipeline/internal/streamio/kafka"
	"github.com/supermusr/data-pipeline/internal/wire"
)

func main() {
	root := &cobra.Command{
		Use:   "searcher",
		Short: "Serves the two-topic correlated timestamp search over HTTP",
		RunE:  run,
	}
	root.Flags().String("config", "", "path to an override config file")
	pipelinecfg.FlagSet(root)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	overridePath, _ := cmd.Flags().GetString("config")
	cfg, err := pipelinecfg.Load(cmd, overridePath)
	if err != nil {
		return fmt.Errorf("searcher: load config: %w", err)
	}

	otelShutdown, err := otel.Setup(context.Background(), cfg.Observability.OTelEndpoint, "searcher", cfg.GitVersion)
	if err != nil {
		return fmt.Errorf("searcher: init otel: %w", err)
	}
	defer otelShutdown(context.Background())

	log := otel.NewLogger("searcher")

	provider, err := metrics.NewProvider("searcher", cfg.GitVersion)
	if err != nil {
		return fmt.Errorf("searcher: init metrics: %w", err)
	}
	recorder, err := metrics.NewRecorder(provider.MeterProvider)
	if err != nil {
		return fmt.Errorf("searcher: init recorder: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	traceBroker, err := kafka.NewBroker([]string{cfg.Broker}, cfg.Topics.Log, 0, wire.Decode)
	if err != nil {
		return fmt.Errorf("searcher: init trace broker: %w", err)
	}
	defer traceBroker.Close()

	eventBroker, err := kafka.NewBroker([]string{cfg.Broker}, cfg.Topics.In, 0, wire.Decode)
	if err != nil {
		return fmt.Errorf("searcher: init event broker: %w", err)
	}
	defer eventBroker.Close()

	baseConfig := search.Config{
		Backstep:        int64(cfg.Searcher.Backstep),
		ForwardDistance: cfg.Searcher.ForwardDistance,
		MaxTimestamps:   cfg.Searcher.MaxTimestamps,
	}

	idle := time.Duration(cfg.Searcher.SessionIdleMinutes) * time.Minute
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	sessions := search.NewSessions(idle)

	sweepInterval := idle / 2
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		queue.Run(ctx, log, func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				sessions.Sweep(time.Now())
				return nil
			}
		})
	}()

	api := newAPI(log, recorder, traceBroker, eventBroker, baseConfig, sessions)

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID, middleware.Recoverer)
	mux.Handle("/metrics", provider.Handler())
	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Route("/v1/searches", func(r chi.Router) {
		r.Use(bearerAuth(cfg.JWTSecret))
		r.Post("/", api.startSearch)
		r.Get("/{id}", api.getSearch)
		r.Delete("/{id}", api.cancelSearch)
	})

	ls, err := net.Listen("tcp", cfg.Observability.Address)
	if err != nil {
		return fmt.Errorf("searcher: listen on %s: %w", cfg.Observability.Address, err)
	}

	log.Info("searcher starting", slog.String("address", cfg.Observability.Address))
	return httpserver.Serve(ctx, &http.Server{Handler: mux}, ls)
}

// bearerAuth rejects any request without a valid HS256 bearer token when
// secret is non-empty; an empty secret disables auth, for local development.
func bearerAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil {
				http.Error(w, "invalid bearer token: "+err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type api struct {
	log         *slog.Logger
	metrics     *metrics.Recorder
	traceBroker search.Broker
	eventBroker search.Broker
	baseConfig  search.Config
	sessions    *search.Sessions
}

func newAPI(log *slog.Logger, m *metrics.Recorder, traceBroker, eventBroker search.Broker, baseConfig search.Config, sessions *search.Sessions) *api {
	return &api{log: log, metrics: m, traceBroker: traceBroker, eventBroker: eventBroker, baseConfig: baseConfig, sessions: sessions}
}

type startSearchRequest struct {
	Timestamp    time.Time `json:"targetTimestamp"`
	DigitiserIDs []uint8   `json:"digitiserIDs,omitempty"`
	Channels     []uint32  `json:"channels,omitempty"`
	MaxResults   int       `json:"maxResults,omitempty"`
}

// matchPredicate builds the trace-topic Predicate for a search request: a
// message matches if, when digitiserIDs/channels are non-empty, its
// digitiser id is in the set and at least one of its events' channels is
// in the set (spec.md §4.3 "filtering by digitiser id ∈ set, channel ∈
// set"). Either filter left empty matches everything on that axis.
func matchPredicate(digitiserIDs []uint8, channels []uint32) search.Predicate {
	idSet := make(map[uint8]bool, len(digitiserIDs))
	for _, id := range digitiserIDs {
		idSet[id] = true
	}
	channelSet := make(map[uint32]bool, len(channels))
	for _, ch := range channels {
		channelSet[ch] = true
	}

	return func(value any) bool {
		id, events, ok := digitiserIDAndEvents(value)
		if !ok {
			return false
		}
		if len(idSet) > 0 && !idSet[id] {
			return false
		}
		if len(channelSet) == 0 {
			return true
		}
		for _, ch := range events.Channel {
			if channelSet[ch] {
				return true
			}
		}
		return false
	}
}

func digitiserIDAndEvents(value any) (uint8, wire.EventList, bool) {
	switch v := value.(type) {
	case wire.DigitiserEventList:
		return v.DigitiserID, v.Events, true
	case wire.FrameAssembledEventList:
		if len(v.DigitiserIDs) == 0 {
			return 0, wire.EventList{}, false
		}
		return v.DigitiserIDs[0], v.Events, true
	default:
		return 0, wire.EventList{}, false
	}
}

type searchResponse struct {
	ID     uuid.UUID      `json:"id"`
	Status string         `json:"status"`
	Result *search.Result `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func (a *api) startSearch(w http.ResponseWriter, r *http.Request) {
	var req startSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	cfg := a.baseConfig
	if req.MaxResults > 0 {
		cfg.MaxTimestamps = req.MaxResults
	}
	driver := search.NewDriver(a.traceBroker, a.eventBroker, cfg, search.DigitiserIDFromWireValue)

	sess, searchCtx := a.sessions.Start(r.Context())
	go func() {
		result, err := driver.Search(searchCtx, req.Timestamp, matchPredicate(req.DigitiserIDs, req.Channels))
		a.sessions.Complete(sess.ID, result, err)
		if err != nil {
			a.metrics.IncFailure("search")
		}
	}()

	writeJSON(w, http.StatusAccepted, searchResponse{ID: sess.ID, Status: "running"})
}

func (a *api) getSearch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid search id", http.StatusBadRequest)
		return
	}
	sess, ok := a.sessions.Get(id)
	if !ok {
		http.Error(w, "search not found", http.StatusNotFound)
		return
	}

	resp := searchResponse{ID: sess.ID, Status: statusName(sess.Status)}
	if sess.Status == search.StatusSucceeded {
		resp.Result = ptr.Ref(sess.Result)
	}
	if sess.Err != nil {
		resp.Error = sess.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) cancelSearch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid search id", http.StatusBadRequest)
		return
	}
	if !a.sessions.Cancel(id) {
		http.Error(w, "search not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusName(s search.Status) string {
	switch s {
	case search.StatusRunning:
		return "running"
	case search.StatusSucceeded:
		return "succeeded"
	case search.StatusFailed:
		return "failed"
	case search.StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
