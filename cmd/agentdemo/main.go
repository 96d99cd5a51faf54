// Command agentdemo exercises the agent end to end against an
// in-memory fake collection store and a local HTTP server, the way the
// teacher's cmd/worker builds and wires a whole service in one
// process: configure the agent, wrap a handler, run a few fake
// requests through it, then shut down cleanly on signal or after a
// fixed demo window.
package main

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/config"
	"github.com/brain2apm/agent/internal/dbinstrument"
	"github.com/brain2apm/agent/internal/tracemodel"
	"github.com/brain2apm/agent/internal/tracer"
	"github.com/brain2apm/agent/pkg/apm"
)

// fakeUser is one document in the in-memory store.
type fakeUser struct {
	ID    string
	Name  string
	Email string
}

// fakeUserStore is a trivial stand-in for a real database driver,
// just enough surface to have something dbinstrument.Instrumentor can
// wrap a terminal query method around.
type fakeUserStore struct {
	users map[string]fakeUser
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[string]fakeUser{
		"u1": {ID: "u1", Name: "Ada Lovelace", Email: "ada@example.com"},
		"u2": {ID: "u2", Name: "Alan Turing", Email: "alan@example.com"},
	}}
}

func (s *fakeUserStore) findOne(id string) (fakeUser, error) {
	time.Sleep(time.Duration(5+rand.Intn(20)) * time.Millisecond)
	u, ok := s.users[id]
	if !ok {
		return fakeUser{}, errors.New("not found")
	}
	return u, nil
}

// fakeExplainer stands in for a real driver's explain() side channel.
type fakeExplainer struct{}

func (fakeExplainer) Explain(ctx context.Context, q dbinstrument.Query) (*tracemodel.IndexUsage, error) {
	return &tracemodel.IndexUsage{
		IndexName:    "_id_",
		DocsExamined: 1,
		KeysExamined: 1,
		RowsReturned: 1,
	}, nil
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer logger.Sync()

	ingest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("demo ingest endpoint received a batch", zap.String("path", r.URL.Path))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ingest.Close()

	cfg := config.Default()
	cfg.Endpoint = ingest.URL
	cfg.APIKey = "demo-key"
	cfg.FlushInterval = 2 * time.Second

	agent, err := apm.Configure(cfg, logger, apm.WithExplainer(fakeExplainer{}))
	if err != nil {
		log.Fatalf("configuring apm agent: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := agent.Start(ctx); err != nil {
		log.Fatalf("starting apm agent: %v", err)
	}

	store := newFakeUserStore()
	getUser := buildGetUserHandler(agent, store)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go driveFakeTraffic(ctx, logger, getUser)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case <-time.After(30 * time.Second):
		logger.Info("demo window elapsed")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := agent.Stop(shutdownCtx); err != nil {
		logger.Warn("apm agent stop reported an error", zap.Error(err))
	}
}

// buildGetUserHandler wraps a fake "get user" request handler with the
// Request Tracer and, inside it, wraps the store's terminal query
// method with Database Instrumentation (spec §4.5/§4.6 composed the
// way a host wires both together around one call site).
func buildGetUserHandler(agent *apm.Agent, store *fakeUserStore) tracer.Handler {
	handler := func(ctx context.Context, sessionID string, args any) (any, error) {
		userID, _ := args.(string)
		q := dbinstrument.Query{Collection: "users", Operation: "findOne", Selector: map[string]any{"_id": userID}}
		wrapped := agent.DB().Wrap("users.findOne", q, func(ctx context.Context) (any, error) {
			return store.findOne(userID)
		})
		return wrapped(ctx)
	}
	return agent.Tracer().Wrap("getUser", handler)
}

// driveFakeTraffic calls the wrapped handler on a fixed cadence until
// ctx is cancelled, simulating a host's real request volume.
func driveFakeTraffic(ctx context.Context, logger *zap.Logger, getUser tracer.Handler) {
	ids := []string{"u1", "u2", "missing"}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			id := ids[rand.Intn(len(ids))]
			if _, err := getUser(ctx, "demo-session", id); err != nil {
				logger.Debug("getUser returned an error", zap.String("id", id), zap.Error(err))
			}
		}
	}
}
