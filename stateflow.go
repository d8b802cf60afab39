package stateflow

import (
	"database/sql"

	"github.com/redis/go-redis/v9"

	"github.com/okonecny/stateflow/internal/engine"
	"github.com/okonecny/stateflow/internal/locker"
	"github.com/okonecny/stateflow/internal/persistence"
	"github.com/okonecny/stateflow/internal/taskqueue"
	"github.com/okonecny/stateflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine            = engine.Orchestrator
	Options           = engine.Options
	Registry          = engine.Registry
	CompensationState = engine.CompensationState

	WorkflowDefinition = api.WorkflowDefinition
	WorkflowInstance   = api.WorkflowInstance
	StepConfig         = api.StepConfig
	SingleJobStep      = api.SingleJobStep
	FanOutStep         = api.FanOutStep
	PollingStep        = api.PollingStep
	StepRun            = api.StepRun
	JobRecord          = api.JobRecord
	CompensationRun    = api.CompensationRun

	StepOutput       = api.StepOutput
	MergeableOutput  = api.MergeableOutput
	OutputReader     = api.OutputReader
	OutputType       = api.OutputType
	ValueOutput      = api.ValueOutput
	ItemListOutput   = api.ItemListOutput
	JobContext       = api.JobContext
	JobHandler       = api.JobHandler
	JobHandlerFunc   = api.JobHandlerFunc
	PollHandler      = api.PollHandler
	PollHandlerFunc  = api.PollHandlerFunc
	PollResult       = api.PollResult
	PollConfiguration = api.PollConfiguration

	RetryConfiguration = api.RetryConfiguration
	CompletionCriteria = api.CompletionCriteria
	SuccessCriteria    = api.SuccessCriteria
	NOfMCriteria       = api.NOfMCriteria
	FailurePolicy      = api.FailurePolicy
	ResolutionAction   = api.ResolutionAction
	BranchKey          = api.BranchKey

	Observer             = api.Observer
	NoopObserver         = api.NoopObserver
	LoggingObserver      = api.LoggingObserver
	CompositeObserver    = api.CompositeObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot

	WorkflowFilter = persistence.WorkflowFilter
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NOfM                 = api.NOfM
	NewID                = api.NewID
	DeterministicJobUUID = api.DeterministicJobUUID
)

// Re-export status and policy values for convenience.

const (
	WorkflowPending   = api.WorkflowPending
	WorkflowRunning   = api.WorkflowRunning
	WorkflowPaused    = api.WorkflowPaused
	WorkflowSucceeded = api.WorkflowSucceeded
	WorkflowFailed    = api.WorkflowFailed
	WorkflowCancelled = api.WorkflowCancelled

	FailWorkflow         = api.FailWorkflow
	PauseForResolution   = api.PauseForResolution
	RetryStep            = api.RetryStep
	SkipStep             = api.SkipStep
	AcceptPartialSuccess = api.AcceptPartialSuccess

	CriteriaAll        = api.CriteriaAll
	CriteriaMajority   = api.CriteriaMajority
	CriteriaBestEffort = api.CriteriaBestEffort

	ResolutionRetryStep     = api.ResolutionRetryStep
	ResolutionSkipStep      = api.ResolutionSkipStep
	ResolutionFailWorkflow  = api.ResolutionFailWorkflow
	ResolutionAcceptPartial = api.ResolutionAcceptPartial

	PollTimeoutFailWorkflow = api.PollTimeoutFailWorkflow
	PollTimeoutUseDefault   = api.PollTimeoutUseDefault

	CompensationNone            = engine.CompensationNone
	CompensationInFlight        = engine.CompensationInFlight
	CompensationComplete        = engine.CompensationComplete
	CompensationPartiallyFailed = engine.CompensationPartiallyFailed
)

// Engine constructors. These wrap the internal packages so external callers
// never need to import them directly.

// NewInMemoryEngine returns an Engine backed entirely by in-memory state:
// memory store, in-process queue and in-process locks. Suitable for tests
// and single-process embedding; nothing survives a restart.
func NewInMemoryEngine(opts Options) *Engine {
	return engine.New(
		persistence.NewMemoryStore(),
		taskqueue.NewInMemoryQueue(),
		locker.NewLocalLocker(),
		engine.NewRegistry(),
		opts,
	)
}

// NewSQLiteEngine returns an Engine that persists the ledger and the task
// queue in the same SQLite database, so a process restart picks up where it
// left off.
func NewSQLiteEngine(db *sql.DB, opts Options) (*Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return engine.New(store, queue, locker.NewLocalLocker(), engine.NewRegistry(), opts), nil
}

// NewPostgresEngine returns an Engine that persists the ledger in
// PostgreSQL. The task queue stays in-process; sweeps recover anything lost
// with it. The db handle must use a pgx-compatible driver, for example:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, _ := sql.Open("pgx", dsn)
func NewPostgresEngine(db *sql.DB, opts Options) (*Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return engine.New(store, taskqueue.NewInMemoryQueue(), locker.NewLocalLocker(), engine.NewRegistry(), opts), nil
}

// NewDistributedPostgresEngine is NewPostgresEngine with Redis-backed
// advisory locks, for deployments running more than one engine replica
// against the same database.
func NewDistributedPostgresEngine(db *sql.DB, rdb *redis.Client, opts Options) (*Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return engine.New(store, taskqueue.NewInMemoryQueue(), locker.NewRedisLocker(rdb, ""), engine.NewRegistry(), opts), nil
}
