package clustering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/thebtf/bookmind/internal/llmjson"
	"github.com/thebtf/bookmind/internal/oracle"
	"github.com/thebtf/bookmind/pkg/models"
)

// fakeOracle returns a canned answer and records prompts.
type fakeOracle struct {
	err     error
	text    string
	prompts []string
}

func (f *fakeOracle) Generate(_ context.Context, req oracle.Request) (*oracle.Response, error) {
	f.prompts = append(f.prompts, req.Prompt)
	if f.err != nil {
		return nil, f.err
	}
	return &oracle.Response{Text: f.text, Model: "fake-model", Attempts: 1}, nil
}

type staticProfiles struct{}

func (staticProfiles) MustGet(name string) oracle.Profile {
	return oracle.Profile{Name: name, Models: []string{"fake-model"}}
}

func record(id string, topics ...string) models.IRRecord {
	return models.IRRecord{
		ID:          id,
		SourceTitle: "Title " + id,
		Summary:     "Summary of " + id,
		KeyTopics:   topics,
		Difficulty:  models.DifficultyIntermediate,
		ContentType: models.ContentArticle,
	}
}

// EngineSuite is a test suite for bulk and incremental clustering.
type EngineSuite struct {
	suite.Suite
	oracle *fakeOracle
	engine *Engine
	nextID int
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.oracle = &fakeOracle{}
	s.engine = NewEngine(s.oracle, staticProfiles{})
	s.nextID = 0
	s.engine.newID = func() string {
		s.nextID++
		return fmt.Sprintf("cl-%d", s.nextID)
	}
}

func (s *EngineSuite) assertMemberCounts(clusters []models.ClusterResult) {
	for _, c := range clusters {
		s.Equal(len(c.IRIDs), c.MemberCount, "cluster %s", c.Name)
	}
}

func (s *EngineSuite) membershipCounts(clusters []models.ClusterResult) map[string]int {
	counts := map[string]int{}
	for _, c := range clusters {
		for _, id := range c.IRIDs {
			counts[id]++
		}
	}
	return counts
}

// TestBulk_NoIRs tests the input error without an oracle call.
func (s *EngineSuite) TestBulk_NoIRs() {
	_, err := s.engine.Bulk(context.Background(), nil)
	s.ErrorIs(err, ErrNoIRs)
	s.Empty(s.oracle.prompts)
}

// TestBulk_SingleIR tests the singleton shortcut.
func (s *EngineSuite) TestBulk_SingleIR() {
	ir := models.IRRecord{ID: "a", KeyTopics: []string{"x"}, Difficulty: models.DifficultyBeginner, Summary: "about x"}

	clusters, err := s.engine.Bulk(context.Background(), []models.IRRecord{ir})
	s.Require().NoError(err)
	s.Empty(s.oracle.prompts)

	s.Require().Len(clusters, 1)
	c := clusters[0]
	s.Contains(c.Name, "x")
	s.Equal([]string{"a"}, c.IRIDs)
	s.Equal(1, c.MemberCount)
	s.Equal(models.DifficultyBeginner, c.AvgDifficulty)
	s.Equal([]string{"x"}, c.AggregatedTopics)
	s.Equal("about x", c.Description)
	s.NotEmpty(c.ID)
}

// TestBulk_SingleIRNaming tests the name fallbacks of the singleton cluster.
func (s *EngineSuite) TestBulk_SingleIRNaming() {
	tests := []struct {
		name     string
		ir       models.IRRecord
		expected string
	}{
		{name: "first topic", ir: models.IRRecord{ID: "a", KeyTopics: []string{" ", "rust"}, SourceTitle: "T"}, expected: "rust"},
		{name: "title", ir: models.IRRecord{ID: "a", SourceTitle: "Ownership explained"}, expected: "Ownership explained"},
		{name: "untitled", ir: models.IRRecord{ID: "a"}, expected: "Untitled"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			clusters, err := s.engine.Bulk(context.Background(), []models.IRRecord{tt.ir})
			s.Require().NoError(err)
			s.Equal(tt.expected, clusters[0].Name)
		})
	}
}

// TestBulk_DuplicateIRsCollapseToSingleton tests id dedupe before the size check.
func (s *EngineSuite) TestBulk_DuplicateIRsCollapseToSingleton() {
	clusters, err := s.engine.Bulk(context.Background(), []models.IRRecord{record("a", "x"), record("a", "x")})
	s.Require().NoError(err)
	s.Len(clusters, 1)
	s.Empty(s.oracle.prompts)
}

// TestBulk_PostProcess tests ids, defaults, filtering and orphans.
func (s *EngineSuite) TestBulk_PostProcess() {
	s.oracle.text = "```json\n" + `[
  {"name": "Go", "description": "Go things", "irIds": ["a", "b", "a", "zzz"], "aggregatedTopics": ["go", "go"], "avgDifficulty": "advanced"},
  {"name": "", "irIds": ["b"], "aggregatedTopics": "[\"concurrency\"]"},
  {"name": "Ghost", "irIds": ["nope"]}
]` + "\n```"

	res, err := s.engine.Run(context.Background(), Request{
		Mode: ModeBulk,
		IRs:  []models.IRRecord{record("a", "go"), record("b", "go"), record("c", "python")},
	})
	s.Require().NoError(err)
	s.Require().Len(s.oracle.prompts, 1)
	s.Contains(s.oracle.prompts[0], `id="c"`)

	clusters := res.Clusters
	s.Require().Len(clusters, 2, "cluster with only unknown ids is dropped")
	s.assertMemberCounts(clusters)

	s.Equal("cl-1", clusters[0].ID)
	s.Equal([]string{"a", "b"}, clusters[0].IRIDs)
	s.Equal([]string{"go"}, clusters[0].AggregatedTopics)
	s.Equal(models.DifficultyAdvanced, clusters[0].AvgDifficulty)

	s.Equal("concurrency", clusters[1].Name)
	s.Equal(models.DifficultyIntermediate, clusters[1].AvgDifficulty)
	s.Empty(clusters[1].Description)

	s.Equal([]string{"c"}, res.Stats.Orphans)
	s.Equal(3, res.Stats.DroppedIDs)
	s.Equal("fake-model", res.Stats.Model)
}

// TestBulk_CapsMemberships tests the per-IR cap of ten clusters.
func (s *EngineSuite) TestBulk_CapsMemberships() {
	var parts []string
	for i := 0; i < 13; i++ {
		parts = append(parts, fmt.Sprintf(`{"name":"C%d","irIds":["hub","leaf%d"]}`, i, i))
	}
	s.oracle.text = "[" + strings.Join(parts, ",") + "]"

	irs := []models.IRRecord{record("hub")}
	for i := 0; i < 13; i++ {
		irs = append(irs, record(fmt.Sprintf("leaf%d", i)))
	}

	res, err := s.engine.Run(context.Background(), Request{Mode: ModeBulk, IRs: irs})
	s.Require().NoError(err)
	s.assertMemberCounts(res.Clusters)

	counts := s.membershipCounts(res.Clusters)
	s.Equal(models.MaxClustersPerIR, counts["hub"])
	for id, n := range counts {
		s.LessOrEqual(n, models.MaxClustersPerIR, id)
	}
	s.Equal(3, res.Stats.Capped)

	// The first ten clusters in returned order keep the hub.
	for i, c := range res.Clusters {
		if i < models.MaxClustersPerIR {
			s.Contains(c.IRIDs, "hub", c.Name)
		} else {
			s.NotContains(c.IRIDs, "hub", c.Name)
			s.Equal(1, c.MemberCount)
		}
	}
}

// TestBulk_RepairsTruncatedArray tests recovery from a cut-off answer.
func (s *EngineSuite) TestBulk_RepairsTruncatedArray() {
	s.oracle.text = `[{"name":"A","irIds":["1"]},{"name":"B","ir`

	res, err := s.engine.Run(context.Background(), Request{Mode: ModeBulk, IRs: []models.IRRecord{record("1"), record("2")}})
	s.Require().NoError(err)
	s.Require().Len(res.Clusters, 1)
	s.Equal("A", res.Clusters[0].Name)
	s.True(res.Stats.Repaired)
	s.Equal([]string{"2"}, res.Stats.Orphans)
}

// TestBulk_ContractViolations tests answers that must fail the whole run.
func (s *EngineSuite) TestBulk_ContractViolations() {
	tests := []struct {
		name  string
		text  string
		cause error
	}{
		{name: "prose only", text: "Sorry, I can't help with that.", cause: llmjson.ErrNoJSON},
		{name: "unrepairable", text: `[{"name":"A","ir`, cause: llmjson.ErrUnrepairable},
		{name: "empty array", text: "[]"},
		{name: "wrapped in object", text: `{"clusters":[{"name":"A","irIds":["a","b"]}]}`, cause: llmjson.ErrNotArray},
		{name: "wrong shape", text: `[{"name":"A","irIds":"a"}]`},
		{name: "only unknown ids", text: `[{"name":"A","irIds":["x"]}]`},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.oracle.text = tt.text
			clusters, err := s.engine.Bulk(context.Background(), []models.IRRecord{record("a"), record("b")})
			s.Require().Error(err)
			s.Nil(clusters)
			s.True(errors.Is(err, ErrContractViolation), err.Error())
			if tt.cause != nil {
				s.True(errors.Is(err, tt.cause), err.Error())
			}
		})
	}
}

// TestBulk_OracleErrorsPassThrough tests that harness errors are not relabelled.
func (s *EngineSuite) TestBulk_OracleErrorsPassThrough() {
	s.oracle.err = &oracle.ExhaustedError{Attempted: []string{"m1"}, Last: "quota"}

	_, err := s.engine.Bulk(context.Background(), []models.IRRecord{record("a"), record("b")})
	s.Require().Error(err)
	s.True(errors.Is(err, oracle.ErrExhausted))
	s.False(errors.Is(err, ErrContractViolation))
}

// TestIncremental_NoUnassigned tests the empty result without an oracle call.
func (s *EngineSuite) TestIncremental_NoUnassigned() {
	res, err := s.engine.Incremental(context.Background(), nil, []models.ExistingClusterSummary{{ID: "c1", IRIDs: []string{"a"}}})
	s.Require().NoError(err)
	s.Empty(s.oracle.prompts)
	s.NotNil(res.Assignments)
	s.NotNil(res.NewClusters)
	s.Empty(res.Assignments)
	s.Empty(res.NewClusters)
	s.True(res.Empty())
}

// TestIncremental_AssignmentsAndNewClusters tests validation of a mixed answer.
func (s *EngineSuite) TestIncremental_AssignmentsAndNewClusters() {
	s.oracle.text = `Sure! {"assignments": [
    {"irId": "c", "addToClusterIds": ["c1", "c1", "ghost"]},
    {"irId": "c", "addToClusterIds": ["c2"]},
    {"irId": "a", "addToClusterIds": ["c2"]},
    {"irId": "d", "addToClusterIds": ["ghost"]}
  ],
  "newClusters": [{"name": "Databases", "irIds": ["d", "e", "a"], "aggregatedTopics": ["sql"]}]}`

	existing := []models.ExistingClusterSummary{
		{ID: "c1", Name: "Go", IRIDs: []string{"a", "b"}},
		{ID: "c2", Name: "Rust", IRIDs: []string{"b"}},
	}
	res, err := s.engine.Run(context.Background(), Request{
		Mode:     ModeIncremental,
		IRs:      []models.IRRecord{record("c"), record("d"), record("e"), record("f")},
		Existing: existing,
	})
	s.Require().NoError(err)
	s.Require().Len(s.oracle.prompts, 1)
	s.Contains(s.oracle.prompts[0], `id="c1"`)
	s.Contains(s.oracle.prompts[0], `id="f"`)

	inc := res.Incremental
	s.Require().Len(inc.Assignments, 1)
	s.Equal(models.Assignment{IRID: "c", AddToClusterIDs: []string{"c1", "c2"}}, inc.Assignments[0])

	s.Require().Len(inc.NewClusters, 1)
	s.Equal("cl-1", inc.NewClusters[0].ID)
	s.Equal([]string{"d", "e"}, inc.NewClusters[0].IRIDs)
	s.Equal(2, inc.NewClusters[0].MemberCount)

	s.Equal([]string{"f"}, res.Stats.Orphans)
	// ghost twice, assignment for "a", member "a" of the new cluster.
	s.Equal(4, res.Stats.DroppedIDs)
}

// TestIncremental_MissingKeys tests the tolerated and fatal absent keys.
func (s *EngineSuite) TestIncremental_MissingKeys() {
	unassigned := []models.IRRecord{record("c")}
	existing := []models.ExistingClusterSummary{{ID: "c1", IRIDs: []string{"a"}}}

	s.Run("only assignments", func() {
		s.oracle.text = `{"assignments":[{"irId":"c","addToClusterIds":["c1"]}]}`
		res, err := s.engine.Incremental(context.Background(), unassigned, existing)
		s.Require().NoError(err)
		s.Len(res.Assignments, 1)
		s.NotNil(res.NewClusters)
		s.Empty(res.NewClusters)
	})

	s.Run("only new clusters", func() {
		s.oracle.text = `{"newClusters":[{"name":"N","irIds":["c"]}]}`
		res, err := s.engine.Incremental(context.Background(), unassigned, existing)
		s.Require().NoError(err)
		s.Empty(res.Assignments)
		s.Len(res.NewClusters, 1)
	})

	s.Run("neither", func() {
		s.oracle.text = `{"result":"ok"}`
		_, err := s.engine.Incremental(context.Background(), unassigned, existing)
		s.ErrorIs(err, ErrContractViolation)
	})

	s.Run("prose", func() {
		s.oracle.text = "No changes needed."
		_, err := s.engine.Incremental(context.Background(), unassigned, existing)
		s.ErrorIs(err, ErrContractViolation)
		s.ErrorIs(err, llmjson.ErrNoJSON)
	})
}

// TestIncremental_Cap tests that existing additions count before new clusters.
func (s *EngineSuite) TestIncremental_Cap() {
	var existing []models.ExistingClusterSummary
	var ids []string
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("c%d", i)
		existing = append(existing, models.ExistingClusterSummary{ID: id, IRIDs: []string{"old"}})
		ids = append(ids, `"`+id+`"`)
	}
	s.oracle.text = `{"assignments":[{"irId":"n","addToClusterIds":[` + strings.Join(ids[:9], ",") + `]},` +
		`{"irId":"m","addToClusterIds":[` + strings.Join(ids, ",") + `]}],` +
		`"newClusters":[{"name":"A","irIds":["n","m"]},{"name":"B","irIds":["n"]}]}`

	res, err := s.engine.Run(context.Background(), Request{
		Mode:     ModeIncremental,
		IRs:      []models.IRRecord{record("n"), record("m")},
		Existing: existing,
	})
	s.Require().NoError(err)

	inc := res.Incremental
	s.Len(inc.Assignments[0].AddToClusterIDs, 9)
	s.Len(inc.Assignments[1].AddToClusterIDs, models.MaxClustersPerIR)

	// n: 9 existing + new cluster A; B would be the eleventh and is dropped empty.
	s.Require().Len(inc.NewClusters, 1)
	s.Equal([]string{"n"}, inc.NewClusters[0].IRIDs)
	s.Equal(1, inc.NewClusters[0].MemberCount)
	s.Equal(2+1+1, res.Stats.Capped)
}

// TestModeString tests the mode labels used in logs and metrics.
func (s *EngineSuite) TestModeString() {
	s.Equal("bulk", ModeBulk.String())
	s.Equal("incremental", ModeIncremental.String())
	_, err := s.engine.Run(context.Background(), Request{Mode: Mode(7)})
	s.Error(err)
}
