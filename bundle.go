package stateflow

import (
	"database/sql"

	"github.com/rs/zerolog"

	workerpkg "github.com/okonecny/stateflow/pkg/worker"
)

// WorkerBundle wires together an Engine, its task queue and a Worker
// consuming from that queue. Register job handlers on Handlers before
// starting the worker.
type WorkerBundle struct {
	Engine   *Engine
	Worker   *workerpkg.Worker
	Handlers *workerpkg.HandlerRegistry
}

// NewInMemoryBundle constructs an in-memory Engine plus a Worker sharing its
// queue. Handy for tests and examples.
func NewInMemoryBundle(opts Options) *WorkerBundle {
	eng := NewInMemoryEngine(opts)
	handlers := workerpkg.NewHandlerRegistry()
	w := workerpkg.New("", eng.Queue(), eng, handlers, opts.Logger)
	return &WorkerBundle{Engine: eng, Worker: w, Handlers: handlers}
}

// NewSQLiteBundle constructs a durable Engine + queue + Worker combo sharing
// the same SQLite database.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:stateflow.db?_journal=WAL")
//	bundle, err := stateflow.NewSQLiteBundle(db, stateflow.Options{Logger: logger})
//	bundle.Handlers.RegisterJobHandler("charge-card", chargeCard)
//	go bundle.Worker.Run(ctx)
func NewSQLiteBundle(db *sql.DB, opts Options) (*WorkerBundle, error) {
	eng, err := NewSQLiteEngine(db, opts)
	if err != nil {
		return nil, err
	}
	handlers := workerpkg.NewHandlerRegistry()
	w := workerpkg.New("", eng.Queue(), eng, handlers, opts.Logger)
	return &WorkerBundle{Engine: eng, Worker: w, Handlers: handlers}, nil
}

// NewWorker creates an additional Worker against an existing Engine, for
// callers that want more than the bundle's single consumer.
func NewWorker(id string, eng *Engine, handlers *workerpkg.HandlerRegistry, logger zerolog.Logger) *workerpkg.Worker {
	return workerpkg.New(id, eng.Queue(), eng, handlers, logger)
}
