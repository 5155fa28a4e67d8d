package assign

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/annotd/internal/apperr"
	"github.com/kalambet/annotd/internal/metrics"
	"github.com/kalambet/annotd/internal/storage"
)

// Store persists assignments.
type Store interface {
	UpsertAssignment(ctx context.Context, userID, storeID, teamID string, a storage.Assignment) error
}

type Config struct {
	Store Store
	// Concurrency bounds how many annotator writes run at once. Defaults to 8.
	Concurrency int
	Metrics     metrics.Collector
	Logger      *slog.Logger
	// NewTeamID defaults to "team_" followed by a random UUID.
	NewTeamID func() string
}

// Engine runs manual and automatic assignment calls. Writes for different
// annotators run concurrently; writes for the same annotator and store are
// serialized through a per-key mutex.
type Engine struct {
	store       Store
	concurrency int
	metrics     metrics.Collector
	logger      *slog.Logger
	newTeamID   func() string

	locks *xsync.Map[string, *sync.Mutex]
}

func NewEngine(cfg Config) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewTeamID == nil {
		cfg.NewTeamID = func() string { return "team_" + uuid.New().String() }
	}
	return &Engine{
		store:       cfg.Store,
		concurrency: cfg.Concurrency,
		metrics:     metrics.OrNop(cfg.Metrics),
		logger:      cfg.Logger,
		newTeamID:   cfg.NewTeamID,
		locks:       xsync.NewMap[string, *sync.Mutex](),
	}
}

type ManualRequest struct {
	StoreID         string   `json:"storeId"`
	AnnotatorIDs    []string `json:"annotatorIds"`
	ConversationIDs []string `json:"conversationIds"`
	AssignmentTitle string   `json:"assignmentTitle"`
}

type AutoRequest struct {
	StoreID         string   `json:"storeId"`
	AnnotatorIDs    []string `json:"annotatorIds"`
	ConversationIDs []string `json:"conversationIds"`
	Overlap         int      `json:"overlap"`
	// AssignmentTitle is optional; an empty title is derived from the team id.
	AssignmentTitle string `json:"assignmentTitle,omitempty"`
}

// Result describes one assignment call. Assignments lists every requested
// annotator with the conversations computed for them. Succeeded and Failed
// split the annotators whose writes were attempted; annotators that received
// no conversations are in neither.
type Result struct {
	TeamID          string              `json:"teamId,omitempty"`
	AssignmentTitle string              `json:"assignmentTitle"`
	Assignments     map[string][]string `json:"assignments"`
	Succeeded       []string            `json:"succeeded"`
	Failed          map[string]error    `json:"-"`
}

// AssignManual gives every annotator the same conversation list under one
// title. Re-using a title for an annotator in the same store replaces that
// assignment's list.
//
// When some writes fail the returned error is an *apperr.PartialError and
// the Result still carries the team id. When every write fails the Result
// has no team id.
func (e *Engine) AssignManual(ctx context.Context, req ManualRequest) (Result, error) {
	if strings.TrimSpace(req.StoreID) == "" {
		return Result{}, apperr.Invalid("storeId", "required")
	}
	if strings.TrimSpace(req.AssignmentTitle) == "" {
		return Result{}, apperr.Invalid("assignmentTitle", "required")
	}
	annotators := dedupe(req.AnnotatorIDs)
	if len(annotators) == 0 {
		return Result{}, apperr.Invalid("annotatorIds", "at least one annotator is required")
	}
	conversations := dedupe(req.ConversationIDs)
	if len(conversations) == 0 {
		return Result{}, apperr.Invalid("conversationIds", "at least one conversation is required")
	}

	plan := make(map[string][]string, len(annotators))
	for _, a := range annotators {
		plan[a] = slices.Clone(conversations)
	}
	return e.persist(ctx, "manual", req.StoreID, req.AssignmentTitle, annotators, plan)
}

// AssignAuto divides conversations among annotators with Distribute and
// persists the division as one team.
func (e *Engine) AssignAuto(ctx context.Context, req AutoRequest) (Result, error) {
	if strings.TrimSpace(req.StoreID) == "" {
		return Result{}, apperr.Invalid("storeId", "required")
	}
	annotators := dedupe(req.AnnotatorIDs)
	plan, err := Distribute(annotators, req.ConversationIDs, req.Overlap)
	if err != nil {
		return Result{}, err
	}
	return e.persist(ctx, "auto", req.StoreID, req.AssignmentTitle, annotators, plan)
}

func (e *Engine) persist(ctx context.Context, mode, storeID, title string, order []string, plan map[string][]string) (Result, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveAssignmentLatency(time.Since(start).Seconds()) }()

	teamID := e.newTeamID()
	if title == "" {
		title = "Auto " + teamID
	}

	errs := make([]error, len(order))
	attempted := make([]bool, len(order))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, userID := range order {
		convs := plan[userID]
		if len(convs) == 0 {
			continue
		}
		attempted[i] = true
		g.Go(func() error {
			errs[i] = e.write(ctx, userID, storeID, teamID, storage.Assignment{Title: title, Conversations: convs})
			return nil
		})
	}
	g.Wait()

	res := Result{
		TeamID:          teamID,
		AssignmentTitle: title,
		Assignments:     plan,
		Succeeded:       []string{},
		Failed:          map[string]error{},
	}
	for i, userID := range order {
		if !attempted[i] {
			continue
		}
		if errs[i] != nil {
			res.Failed[userID] = errs[i]
			e.metrics.RecordAnnotatorWrite(metrics.ResultFailure)
			continue
		}
		res.Succeeded = append(res.Succeeded, userID)
		e.metrics.RecordAnnotatorWrite(metrics.ResultSuccess)
	}

	switch {
	case len(res.Failed) == 0:
		e.metrics.RecordAssignment(mode, metrics.ResultSuccess)
		e.logger.Info("assignment recorded", "mode", mode, "store", storeID, "team", teamID,
			"title", title, "annotators", len(res.Succeeded))
		return res, nil
	case len(res.Succeeded) == 0:
		e.metrics.RecordAssignment(mode, metrics.ResultFailure)
		e.logger.Warn("assignment failed for every annotator", "mode", mode, "store", storeID, "failed", len(res.Failed))
		res.TeamID = ""
		return res, &apperr.PartialError{Succeeded: res.Succeeded, Failed: res.Failed}
	default:
		e.metrics.RecordAssignment(mode, metrics.ResultPartial)
		e.logger.Warn("assignment partially failed", "mode", mode, "store", storeID, "team", teamID,
			"succeeded", len(res.Succeeded), "failed", len(res.Failed))
		return res, &apperr.PartialError{Succeeded: res.Succeeded, Failed: res.Failed}
	}
}

// write serializes updates to one annotator's assignments in one store.
func (e *Engine) write(ctx context.Context, userID, storeID, teamID string, a storage.Assignment) error {
	mu, _ := e.locks.LoadOrStore(userID+"\x00"+storeID, &sync.Mutex{})
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return e.store.UpsertAssignment(ctx, userID, storeID, teamID, a)
}
