package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/thebtf/bookmind/internal/config"
	gormdb "github.com/thebtf/bookmind/internal/db/gorm"
	"github.com/thebtf/bookmind/internal/oracle"
	"github.com/thebtf/bookmind/pkg/models"
)

const (
	kindExtraction  = "extraction"
	kindBulk        = "bulk"
	kindIncremental = "incremental"
	kindContent     = "content"
)

var (
	resourceIDPattern = regexp.MustCompile(`<resource id="([^"]+)">`)
	clusterIDPattern  = regexp.MustCompile(`<cluster id="([^"]+)"`)
)

func promptKind(prompt string) string {
	switch {
	case strings.Contains(prompt, "<topic>"):
		return kindContent
	case strings.Contains(prompt, "<new_resources"):
		return kindIncremental
	case strings.Contains(prompt, "<resources count"):
		return kindBulk
	default:
		return kindExtraction
	}
}

type replyFunc func(prompt string) (string, error)

// fakeOracle answers by prompt kind and records how often each kind was asked.
type fakeOracle struct {
	replies     map[string]replyFunc
	calls       map[string]int
	delay       time.Duration
	inFlight    int32
	maxInFlight int32
	mu          sync.Mutex
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		replies: map[string]replyFunc{
			kindExtraction:  extractionReply,
			kindBulk:        bulkReply,
			kindIncremental: incrementalReply,
			kindContent:     func(string) (string, error) { return "Study guide text", nil },
		},
		calls: map[string]int{},
	}
}

func (f *fakeOracle) Generate(ctx context.Context, req oracle.Request) (*oracle.Response, error) {
	kind := promptKind(req.Prompt)
	f.mu.Lock()
	f.calls[kind]++
	reply := f.replies[kind]
	f.mu.Unlock()

	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&f.maxInFlight)
		if n <= peak || atomic.CompareAndSwapInt32(&f.maxInFlight, peak, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	text, err := reply(req.Prompt)
	if err != nil {
		return nil, err
	}
	return &oracle.Response{Text: text, Model: "fake-" + kind, Attempts: 1}, nil
}

func (f *fakeOracle) setReply(kind string, reply replyFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[kind] = reply
}

func (f *fakeOracle) callCount(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func extractionReply(string) (string, error) {
	return `{"summary":"A resource about Go.","keyTopics":["go","concurrency"],"difficulty":"beginner","contentType":"article"}`, nil
}

// bulkReply puts every resource into one cluster.
func bulkReply(prompt string) (string, error) {
	var ids []string
	for _, m := range resourceIDPattern.FindAllStringSubmatch(prompt, -1) {
		ids = append(ids, m[1])
	}
	raw, err := json.Marshal([]map[string]interface{}{{
		"name":             "Go",
		"description":      "Go programming",
		"irIds":            ids,
		"aggregatedTopics": []string{"go"},
		"avgDifficulty":    "beginner",
	}})
	return string(raw), err
}

// incrementalReply adds every new resource to the first existing cluster.
func incrementalReply(prompt string) (string, error) {
	cluster := clusterIDPattern.FindStringSubmatch(prompt)
	section := prompt[strings.Index(prompt, "<new_resources"):]

	assignments := []map[string]interface{}{}
	for _, m := range resourceIDPattern.FindAllStringSubmatch(section, -1) {
		assignments = append(assignments, map[string]interface{}{"irId": m[1], "addToClusterIds": []string{cluster[1]}})
	}
	raw, err := json.Marshal(map[string]interface{}{"assignments": assignments, "newClusters": []interface{}{}})
	return string(raw), err
}

func newTestStore(t *testing.T) *gormdb.Store {
	t.Helper()
	store, err := gormdb.NewStore(gormdb.Config{
		Path:     filepath.Join(t.TempDir(), "worker.db"),
		MaxConns: 2,
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// testService creates a ready Service over a temporary SQLite database.
func testService(t *testing.T) (*Service, *fakeOracle) {
	t.Helper()

	profiles, err := oracle.LoadProfiles("")
	require.NoError(t, err)

	fake := newFakeOracle()
	svc := NewService(Options{
		Config:   config.Default(),
		Store:    newTestStore(t),
		Oracle:   fake,
		Profiles: profiles,
		Version:  "test-version",
	})
	svc.ready.Store(true)
	t.Cleanup(svc.cancel)
	return svc, fake
}

func do(t *testing.T, svc *Service, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

type bookmarkResponse struct {
	IR           *models.IR       `json:"ir"`
	Bookmark     *models.Bookmark `json:"bookmark"`
	ExtractError string           `json:"extractError"`
}

func addBookmark(t *testing.T, svc *Service, url string) bookmarkResponse {
	t.Helper()
	rec := do(t, svc, http.MethodPost, "/api/bookmarks", fmt.Sprintf(`{"url":%q,"title":"Title","extract":true}`, url))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp bookmarkResponse
	decode(t, rec, &resp)
	return resp
}

func listClusters(t *testing.T, svc *Service) []models.Cluster {
	t.Helper()
	rec := do(t, svc, http.MethodGet, "/api/clusters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Clusters []models.Cluster `json:"clusters"`
	}
	decode(t, rec, &resp)
	return resp.Clusters
}

func TestHandleHealth_ReturnsVersion(t *testing.T) {
	svc, _ := testService(t)
	svc.version = "test-version-1.2.3"

	rec := httptest.NewRecorder()
	svc.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var response map[string]interface{}
	decode(t, rec, &response)
	assert.Equal(t, "ready", response["status"])
	assert.Equal(t, "test-version-1.2.3", response["version"])
}

func TestHandleVersion(t *testing.T) {
	svc, _ := testService(t)
	svc.version = "v2.0.0-beta"

	rec := do(t, svc, http.MethodGet, "/api/version", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var response map[string]string
	decode(t, rec, &response)
	assert.Equal(t, "v2.0.0-beta", response["version"])
}

func TestHandleReady(t *testing.T) {
	svc, _ := testService(t)

	svc.ready.Store(false)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, svc, http.MethodGet, "/api/ready", "").Code)

	svc.ready.Store(true)
	rec := do(t, svc, http.MethodGet, "/api/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var response map[string]string
	decode(t, rec, &response)
	assert.Equal(t, "ready", response["status"])
}

func TestRequireReadyMiddleware(t *testing.T) {
	svc, _ := testService(t)
	handler := svc.requireReady(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	}))

	svc.ready.Store(false)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	svc.ready.Store(true)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Body.String())

	svc.ready.Store(false)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, svc, http.MethodGet, "/api/clusters", "").Code)
}

func TestHandleCreateBookmark(t *testing.T) {
	svc, fake := testService(t)

	resp := addBookmark(t, svc, "https://go.dev/blog")
	require.NotNil(t, resp.Bookmark)
	require.NotNil(t, resp.IR)
	assert.Equal(t, resp.IR.ID, resp.Bookmark.IRID)
	assert.Equal(t, resp.Bookmark.ID, resp.IR.BookmarkID)
	assert.Equal(t, models.DifficultyBeginner, resp.IR.Difficulty)
	assert.Equal(t, 1, fake.callCount(kindExtraction))

	// Extraction is idempotent once an IR exists.
	rec := do(t, svc, http.MethodPost, "/api/bookmarks/"+resp.Bookmark.ID+"/extract", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ir models.IR
	decode(t, rec, &ir)
	assert.Equal(t, resp.IR.ID, ir.ID)
	assert.Equal(t, 1, fake.callCount(kindExtraction))
}

func TestHandleCreateBookmark_BadRequests(t *testing.T) {
	svc, _ := testService(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{"url":`},
		{name: "missing url", body: `{"title":"x"}`},
		{name: "blank url", body: `{"url":"   "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, do(t, svc, http.MethodPost, "/api/bookmarks", tt.body).Code)
		})
	}
}

func TestHandleCreateBookmark_ExtractionFailureKeepsBookmark(t *testing.T) {
	svc, fake := testService(t)
	fake.setReply(kindExtraction, func(string) (string, error) { return `{"keyTopics":["x"]}`, nil })

	resp := addBookmark(t, svc, "https://example.com")
	require.NotNil(t, resp.Bookmark)
	assert.Nil(t, resp.IR)
	assert.NotEmpty(t, resp.ExtractError)

	rec := do(t, svc, http.MethodPost, "/api/bookmarks/"+resp.Bookmark.ID+"/extract", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(t, svc, http.MethodGet, "/api/bookmarks", "")
	var list struct {
		Total int `json:"total"`
	}
	decode(t, rec, &list)
	assert.Equal(t, 1, list.Total)
}

func TestHandleExtractBookmark_NotFound(t *testing.T) {
	svc, _ := testService(t)
	assert.Equal(t, http.StatusNotFound, do(t, svc, http.MethodPost, "/api/bookmarks/missing/extract", "").Code)
}

func TestHandleListBookmarks_Limit(t *testing.T) {
	svc, _ := testService(t)
	for i := 0; i < 5; i++ {
		rec := do(t, svc, http.MethodPost, "/api/bookmarks", fmt.Sprintf(`{"url":"https://example.com/%d"}`, i))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := do(t, svc, http.MethodGet, "/api/bookmarks?limit=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Bookmarks []models.Bookmark `json:"bookmarks"`
	}
	decode(t, rec, &list)
	assert.Len(t, list.Bookmarks, 3)
}

func TestHandleRefresh_NoIRs(t *testing.T) {
	svc, fake := testService(t)

	rec := do(t, svc, http.MethodPost, "/api/clusters/refresh", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "add bookmarks first")
	assert.Equal(t, 0, fake.callCount(kindBulk))
}

func TestHandleRefresh_BulkThenIncremental(t *testing.T) {
	svc, fake := testService(t)
	a := addBookmark(t, svc, "https://example.com/a")
	b := addBookmark(t, svc, "https://example.com/b")

	rec := do(t, svc, http.MethodPost, "/api/clusters/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var first RefreshResult
	decode(t, rec, &first)
	assert.Equal(t, "bulk", first.Mode)
	assert.Equal(t, 1, first.Clusters)
	assert.Empty(t, first.Orphans)

	clusters := listClusters(t, svc)
	require.Len(t, clusters, 1)
	assert.ElementsMatch(t, []string{a.IR.ID, b.IR.ID}, clusters[0].IRIDs)
	clusterID := clusters[0].ID

	c := addBookmark(t, svc, "https://example.com/c")
	rec = do(t, svc, http.MethodPost, "/api/clusters/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var second RefreshResult
	decode(t, rec, &second)
	assert.Equal(t, "incremental", second.Mode)
	assert.Equal(t, 1, second.Assigned)
	assert.Equal(t, 1, fake.callCount(kindBulk))
	assert.Equal(t, 1, fake.callCount(kindIncremental))

	rec = do(t, svc, http.MethodGet, "/api/clusters/"+clusterID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Cluster models.Cluster `json:"cluster"`
		IRs     []models.IR    `json:"irs"`
	}
	decode(t, rec, &detail)
	require.Len(t, detail.Cluster.IRIDs, 3)
	assert.ElementsMatch(t, []string{a.IR.ID, b.IR.ID}, detail.Cluster.IRIDs[:2])
	assert.Equal(t, c.IR.ID, detail.Cluster.IRIDs[2])
	assert.Equal(t, 3, detail.Cluster.MemberCount)
	assert.Len(t, detail.IRs, 3)

	// Nothing unassigned: no oracle call and no change.
	rec = do(t, svc, http.MethodPost, "/api/clusters/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var third RefreshResult
	decode(t, rec, &third)
	assert.True(t, third.Unchanged)
	assert.Equal(t, 1, fake.callCount(kindIncremental))
}

func TestHandleRefresh_MalformedAnswerLeavesStorageUnchanged(t *testing.T) {
	svc, fake := testService(t)
	addBookmark(t, svc, "https://example.com/a")
	addBookmark(t, svc, "https://example.com/b")
	require.Equal(t, http.StatusOK, do(t, svc, http.MethodPost, "/api/clusters/refresh", "").Code)
	before := listClusters(t, svc)

	addBookmark(t, svc, "https://example.com/c")
	malformed := func(string) (string, error) { return "I could not decide, sorry.", nil }
	fake.setReply(kindIncremental, malformed)
	fake.setReply(kindBulk, malformed)

	rec := do(t, svc, http.MethodPost, "/api/clusters/refresh", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, before, listClusters(t, svc))

	rec = do(t, svc, http.MethodPost, "/api/clusters/regenerate", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, before, listClusters(t, svc))

	rec = do(t, svc, http.MethodGet, "/api/irs?unassigned=true", "")
	var unassigned struct {
		Total int `json:"total"`
	}
	decode(t, rec, &unassigned)
	assert.Equal(t, 1, unassigned.Total)
}

func TestHandleRefresh_OracleErrors(t *testing.T) {
	tests := []struct {
		err    error
		name   string
		status int
	}{
		{name: "exhausted", err: &oracle.ExhaustedError{Attempted: []string{"m1", "m2"}, Last: "quota"}, status: http.StatusServiceUnavailable},
		{name: "fatal", err: &oracle.Error{Model: "m1", StatusCode: 400, Kind: oracle.KindFatal, Message: "bad key"}, status: http.StatusBadGateway},
		{name: "deadline", err: context.DeadlineExceeded, status: http.StatusGatewayTimeout},
		{name: "other", err: fmt.Errorf("boom"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, fake := testService(t)
			addBookmark(t, svc, "https://example.com/a")
			addBookmark(t, svc, "https://example.com/b")
			fake.setReply(kindBulk, func(string) (string, error) { return "", tt.err })

			rec := do(t, svc, http.MethodPost, "/api/clusters/regenerate", "")
			assert.Equal(t, tt.status, rec.Code)
			assert.Empty(t, listClusters(t, svc))
		})
	}
}

func TestHandleDeleteBookmark(t *testing.T) {
	svc, _ := testService(t)
	a := addBookmark(t, svc, "https://example.com/a")
	b := addBookmark(t, svc, "https://example.com/b")
	require.Equal(t, http.StatusOK, do(t, svc, http.MethodPost, "/api/clusters/refresh", "").Code)

	rec := do(t, svc, http.MethodDelete, "/api/bookmarks/"+a.Bookmark.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	clusters := listClusters(t, svc)
	require.Len(t, clusters, 1)
	assert.Equal(t, []string{b.IR.ID}, clusters[0].IRIDs)
	assert.Equal(t, 1, clusters[0].MemberCount)

	assert.Equal(t, http.StatusNotFound, do(t, svc, http.MethodDelete, "/api/bookmarks/"+a.Bookmark.ID, "").Code)

	// Removing the last member retires the cluster.
	require.Equal(t, http.StatusNoContent, do(t, svc, http.MethodDelete, "/api/bookmarks/"+b.Bookmark.ID, "").Code)
	assert.Empty(t, listClusters(t, svc))
}

func TestHandleStudyContent(t *testing.T) {
	svc, fake := testService(t)
	addBookmark(t, svc, "https://example.com/a")
	require.Equal(t, http.StatusOK, do(t, svc, http.MethodPost, "/api/clusters/refresh", "").Code)
	clusterID := listClusters(t, svc)[0].ID

	path := "/api/clusters/" + clusterID + "/study"
	rec := do(t, svc, http.MethodPost, path, `{"format":"text","level":"beginner","minutes":10}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var first models.StudyContent
	decode(t, rec, &first)
	assert.Equal(t, "Study guide text", first.Text)
	assert.False(t, first.Cached)

	rec = do(t, svc, http.MethodPost, path, `{"format":"text","level":"beginner","minutes":10}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var second models.StudyContent
	decode(t, rec, &second)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, fake.callCount(kindContent))

	rec = do(t, svc, http.MethodPost, path, `{"format":"text","level":"beginner","minutes":10,"refresh":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, fake.callCount(kindContent))

	assert.Equal(t, http.StatusNotFound, do(t, svc, http.MethodPost, "/api/clusters/missing/study", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, svc, http.MethodGet, "/api/clusters/missing", "").Code)
}
