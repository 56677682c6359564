// Package worker provides the HTTP service that stores bookmarks, extracts
// IRs and keeps the cluster set up to date.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/bookmind/internal/clustering"
	"github.com/thebtf/bookmind/internal/config"
	"github.com/thebtf/bookmind/internal/content"
	gormdb "github.com/thebtf/bookmind/internal/db/gorm"
	"github.com/thebtf/bookmind/internal/extractor"
	"github.com/thebtf/bookmind/internal/oracle"
	"github.com/thebtf/bookmind/internal/watcher"
	"github.com/thebtf/bookmind/internal/worker/sse"
	"github.com/thebtf/bookmind/pkg/models"
)

// errNotFound marks lookups of ids that do not exist.
var errNotFound = errors.New("not found")

// Generator is the oracle entry point shared by every caller.
// *oracle.Harness satisfies it.
type Generator interface {
	Generate(ctx context.Context, req oracle.Request) (*oracle.Response, error)
}

// Options holds the dependencies of a Service.
type Options struct {
	Config   *config.Config
	Store    *gormdb.Store
	Oracle   Generator
	Profiles *oracle.Profiles
	Version  string
}

// Service is the bookmind worker.
type Service struct {
	startTime      time.Time
	ctx            context.Context
	config         *config.Config
	store          *gormdb.Store
	bookmarkStore  *gormdb.BookmarkStore
	clusterStore   *gormdb.ClusterStore
	studyStore     *gormdb.StudyContentStore
	extractor      *extractor.Extractor
	engine         *clustering.Engine
	content        *content.Generator
	profiles       *oracle.Profiles
	sseBroadcaster *sse.Broadcaster
	router         *chi.Mux
	server         *http.Server
	profileWatcher *watcher.Watcher
	cancel         context.CancelFunc
	refreshGroup   singleflight.Group
	version        string
	refreshMu      sync.Mutex
	ready          atomic.Bool
}

// NewService wires the stores, the extractor, the clustering engine and the
// content generator around one oracle and one database.
func NewService(opts Options) *Service {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	studyStore := gormdb.NewStudyContentStore(opts.Store)
	ctx, cancel := context.WithCancel(context.Background())

	svc := &Service{
		version:        opts.Version,
		config:         cfg,
		store:          opts.Store,
		bookmarkStore:  gormdb.NewBookmarkStore(opts.Store),
		clusterStore:   gormdb.NewClusterStore(opts.Store),
		studyStore:     studyStore,
		extractor:      extractor.New(opts.Oracle, opts.Profiles),
		engine:         clustering.NewEngine(opts.Oracle, opts.Profiles),
		content:        content.NewGenerator(opts.Oracle, opts.Profiles, studyStore),
		profiles:       opts.Profiles,
		sseBroadcaster: sse.NewBroadcaster(),
		router:         chi.NewRouter(),
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
	}
	svc.setupRoutes()
	return svc
}

// Handler returns the HTTP handler of the service.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Start starts the profile watcher and serves HTTP on the configured port.
// It blocks until the server stops.
func (s *Service) Start() error {
	if s.profiles != nil && s.profiles.Path() != "" {
		w, err := watcher.New(s.profiles.Path(), s.reloadProfiles)
		if err != nil {
			log.Warn().Err(err).Msg("Model profile watcher unavailable")
		} else if err := w.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start model profile watcher")
		} else {
			s.profileWatcher = w
		}
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", s.config.WorkerPort),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ready.Store(true)

	log.Info().
		Str("addr", s.server.Addr).
		Str("version", s.version).
		Str("db", s.store.Driver()).
		Msg("Worker listening")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.cancel()

	if s.profileWatcher != nil {
		if err := s.profileWatcher.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop model profile watcher")
		}
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Service) reloadProfiles() {
	if err := s.profiles.Reload(); err != nil {
		log.Error().Err(err).Str("path", s.profiles.Path()).Msg("Model profiles reload failed, keeping previous")
		return
	}
	log.Info().Strs("profiles", s.profiles.Names()).Msg("Model profiles reloaded")
}

// RefreshResult summarises one refresh of the cluster set.
type RefreshResult struct {
	Orphans     []string `json:"orphans"`
	Mode        string   `json:"mode"`
	Model       string   `json:"model,omitempty"`
	Clusters    int      `json:"clusters"`
	NewClusters int      `json:"newClusters"`
	Assigned    int      `json:"assigned"`
	Unchanged   bool     `json:"unchanged"`
}

// RefreshClusters brings the cluster set up to date. A forced refresh, or one
// with no active clusters, reclusters every IR from scratch; otherwise only
// unassigned IRs are placed. Runs never overlap, and identical concurrent
// requests share one run.
//
// The run itself is bound to the service lifetime, not to ctx: a caller whose
// ctx ends stops waiting, while the run completes and persists for everyone
// else. Shutdown cancels it.
func (s *Service) RefreshClusters(ctx context.Context, force bool) (*RefreshResult, error) {
	key := clustering.ModeIncremental.String()
	if force {
		key = clustering.ModeBulk.String()
	}

	ch := s.refreshGroup.DoChan(key, func() (interface{}, error) {
		s.refreshMu.Lock()
		defer s.refreshMu.Unlock()
		return s.refresh(s.ctx, force)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			log.Debug().Str("mode", key).Msg("Joined in-flight cluster refresh")
		}
		return res.Val.(*RefreshResult), nil
	}
}

func (s *Service) refresh(ctx context.Context, force bool) (*RefreshResult, error) {
	active, err := s.clusterStore.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}

	var out *RefreshResult
	if force || len(active) == 0 {
		out, err = s.refreshBulk(ctx)
	} else {
		out, err = s.refreshIncremental(ctx, active)
	}
	if err != nil {
		return nil, err
	}

	count, err := s.clusterStore.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count clusters: %w", err)
	}
	out.Clusters = count

	if !out.Unchanged {
		s.sseBroadcaster.Publish(sse.EventClustersUpdated, out)
	}
	return out, nil
}

func (s *Service) refreshBulk(ctx context.Context) (*RefreshResult, error) {
	irs, err := s.bookmarkStore.GetAllIRs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load IRs: %w", err)
	}

	res, err := s.engine.Run(ctx, clustering.Request{Mode: clustering.ModeBulk, IRs: records(irs)})
	if err != nil {
		return nil, err
	}

	clusters := make([]models.Cluster, len(res.Clusters))
	for i, r := range res.Clusters {
		clusters[i] = clustering.ToCluster(r, i)
	}
	if err := s.clusterStore.ReplaceAll(ctx, clusters); err != nil {
		return nil, fmt.Errorf("replace clusters: %w", err)
	}

	return &RefreshResult{
		Mode:        clustering.ModeBulk.String(),
		Model:       res.Stats.Model,
		NewClusters: len(clusters),
		Orphans:     nonNil(res.Stats.Orphans),
	}, nil
}

func (s *Service) refreshIncremental(ctx context.Context, active []*models.Cluster) (*RefreshResult, error) {
	unassigned, err := s.clusterStore.UnassignedIRs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load unassigned IRs: %w", err)
	}

	existing := make([]models.Cluster, len(active))
	summaries := make([]models.ExistingClusterSummary, len(active))
	for i, c := range active {
		existing[i] = *c
		summaries[i] = c.Summary()
	}

	res, err := s.engine.Run(ctx, clustering.Request{
		Mode:     clustering.ModeIncremental,
		IRs:      records(unassigned),
		Existing: summaries,
	})
	if err != nil {
		return nil, err
	}

	out := &RefreshResult{
		Mode:    clustering.ModeIncremental.String(),
		Model:   res.Stats.Model,
		Orphans: nonNil(res.Stats.Orphans),
	}
	inc := res.Incremental
	if inc.Empty() {
		out.Unchanged = true
		return out, nil
	}

	updated := clustering.ApplyAssignments(existing, inc)
	created := make([]models.Cluster, len(inc.NewClusters))
	for i, r := range inc.NewClusters {
		created[i] = clustering.ToCluster(r, 0)
	}
	if err := s.clusterStore.ApplyIncremental(ctx, updated, created); err != nil {
		return nil, fmt.Errorf("apply assignments: %w", err)
	}

	out.Assigned = len(inc.Assignments)
	out.NewClusters = len(created)
	return out, nil
}

// AddBookmark stores a bookmark and, when extract is set, its IR.
// The bookmark is kept even if extraction fails.
func (s *Service) AddBookmark(ctx context.Context, url, title string, extract bool) (*models.Bookmark, *models.IR, error) {
	bm, err := s.bookmarkStore.CreateBookmark(ctx, url, title)
	if err != nil {
		return nil, nil, fmt.Errorf("create bookmark: %w", err)
	}
	if !extract {
		return bm, nil, nil
	}
	ir, err := s.ExtractBookmark(ctx, bm.ID)
	if err != nil {
		return bm, nil, err
	}
	bm.IRID = ir.ID
	return bm, ir, nil
}

// ExtractBookmark returns the IR of a bookmark, asking the oracle for one if
// the bookmark has none yet. IRs are immutable once stored.
func (s *Service) ExtractBookmark(ctx context.Context, bookmarkID string) (*models.IR, error) {
	bm, err := s.bookmarkStore.GetBookmark(ctx, bookmarkID)
	if err != nil {
		return nil, fmt.Errorf("get bookmark: %w", err)
	}
	if bm == nil {
		return nil, fmt.Errorf("bookmark %s: %w", bookmarkID, errNotFound)
	}
	if bm.IRID != "" {
		ir, err := s.bookmarkStore.GetIR(ctx, bm.IRID)
		if err != nil {
			return nil, fmt.Errorf("get IR: %w", err)
		}
		if ir != nil {
			return ir, nil
		}
	}

	ir, err := s.extractor.Extract(ctx, bm.URL, bm.Title)
	if err != nil {
		return nil, err
	}
	ir.BookmarkID = bm.ID
	if err := s.bookmarkStore.StoreIR(ctx, ir); err != nil {
		return nil, fmt.Errorf("store IR: %w", err)
	}

	s.sseBroadcaster.Publish(sse.EventIRCreated, map[string]string{"bookmarkId": bm.ID, "irId": ir.ID})
	return ir, nil
}

// DeleteBookmark removes a bookmark, its IR and every membership of that IR.
func (s *Service) DeleteBookmark(ctx context.Context, id string) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if err := s.bookmarkStore.DeleteBookmark(ctx, id); err != nil {
		if errors.Is(err, gormdb.ErrNotFound) {
			return fmt.Errorf("bookmark %s: %w", id, errNotFound)
		}
		return fmt.Errorf("delete bookmark: %w", err)
	}
	s.sseBroadcaster.Publish(sse.EventBookmarkDeleted, map[string]string{"id": id})
	return nil
}

// StudyContent generates, or returns cached, study material for a cluster.
func (s *Service) StudyContent(ctx context.Context, clusterID string, prefs content.Preferences, refresh bool) (*models.StudyContent, error) {
	cluster, err := s.clusterStore.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("get cluster: %w", err)
	}
	if cluster == nil {
		return nil, fmt.Errorf("cluster %s: %w", clusterID, errNotFound)
	}
	irs, err := s.bookmarkStore.GetIRsByIDs(ctx, cluster.IRIDs)
	if err != nil {
		return nil, fmt.Errorf("load cluster IRs: %w", err)
	}
	return s.content.Generate(ctx, cluster, irs, prefs, refresh)
}

func records(irs []*models.IR) []models.IRRecord {
	out := make([]models.IRRecord, len(irs))
	for i, ir := range irs {
		out[i] = ir.Record()
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
