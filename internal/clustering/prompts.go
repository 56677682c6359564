package clustering

import (
	"fmt"
	"sort"
	"strings"

	"github.com/thebtf/bookmind/pkg/models"
)

// maxPromptConcepts limits how many concepts of one IR go into a prompt.
const maxPromptConcepts = 5

const clusterShape = `{"name": "...", "description": "...", "irIds": ["..."], "aggregatedTopics": ["..."], "avgDifficulty": "beginner|intermediate|advanced"}`

// BuildBulkPrompt builds the prompt that asks for a complete cluster set.
func BuildBulkPrompt(irs []models.IRRecord) string {
	var sb strings.Builder
	sb.WriteString("You organize a personal library of bookmarked resources into topic clusters for study.\n\n")
	sb.WriteString(fmt.Sprintf("<resources count=\"%d\">\n", len(irs)))
	for i := range irs {
		writeIR(&sb, &irs[i])
	}
	sb.WriteString("</resources>\n\n")
	sb.WriteString("Instructions:\n")
	sb.WriteString("1. Identify the most important cross-cutting themes in these resources.\n")
	sb.WriteString("2. Create one cluster per theme with a short name and a one or two sentence description.\n")
	sb.WriteString("3. Assign every resource to every cluster whose theme it meaningfully touches. ")
	sb.WriteString("A broad resource may belong to several clusters (up to 5), a narrow one to just 1. ")
	sb.WriteString("Every resource must belong to at least one cluster.\n")
	sb.WriteString("4. Use the resource ids exactly as given.\n\n")
	sb.WriteString("Respond with a JSON array only, no prose:\n")
	sb.WriteString("[" + clusterShape + "]")
	return sb.String()
}

// BuildIncrementalPrompt builds the prompt that places unassigned IRs.
func BuildIncrementalPrompt(unassigned []models.IRRecord, existing []models.ExistingClusterSummary) string {
	var sb strings.Builder
	sb.WriteString("You maintain topic clusters over a personal library of bookmarked resources. ")
	sb.WriteString("New resources have arrived and must be placed without disturbing existing clusters.\n\n")

	sb.WriteString(fmt.Sprintf("<existing_clusters count=\"%d\">\n", len(existing)))
	for _, c := range existing {
		sb.WriteString(fmt.Sprintf("  <cluster id=%q members=\"%d\">\n", c.ID, len(c.IRIDs)))
		sb.WriteString(fmt.Sprintf("    name: %s\n", c.Name))
		if c.Description != "" {
			sb.WriteString(fmt.Sprintf("    description: %s\n", c.Description))
		}
		sb.WriteString(fmt.Sprintf("    member_ids: %s\n", strings.Join(c.IRIDs, ", ")))
		sb.WriteString("  </cluster>\n")
	}
	sb.WriteString("</existing_clusters>\n\n")

	sb.WriteString(fmt.Sprintf("<new_resources count=\"%d\">\n", len(unassigned)))
	for i := range unassigned {
		writeIR(&sb, &unassigned[i])
	}
	sb.WriteString("</new_resources>\n\n")

	sb.WriteString("Instructions:\n")
	sb.WriteString("1. For each new resource, list the existing cluster ids it should be ADDED to. Never remove anything.\n")
	sb.WriteString("2. If a new resource fits no existing theme, put it in a new cluster. ")
	sb.WriteString("New resources sharing a new theme may share one new cluster.\n")
	sb.WriteString("3. A resource may be both added to existing clusters and placed in a new one.\n")
	sb.WriteString("4. Every new resource must end up somewhere. Use ids exactly as given.\n\n")
	sb.WriteString("Respond with a JSON object only, no prose:\n")
	sb.WriteString(`{"assignments": [{"irId": "...", "addToClusterIds": ["..."]}], "newClusters": [` + clusterShape + `]}`)
	return sb.String()
}

func writeIR(sb *strings.Builder, ir *models.IRRecord) {
	sb.WriteString(fmt.Sprintf("  <resource id=%q>\n", ir.ID))
	if ir.SourceTitle != "" {
		sb.WriteString(fmt.Sprintf("    title: %s\n", ir.SourceTitle))
	}
	sb.WriteString(fmt.Sprintf("    summary: %s\n", ir.Summary))
	if len(ir.KeyTopics) > 0 {
		sb.WriteString(fmt.Sprintf("    topics: %s\n", strings.Join(ir.KeyTopics, ", ")))
	}
	if names := topConcepts(ir.Concepts, maxPromptConcepts); len(names) > 0 {
		sb.WriteString(fmt.Sprintf("    concepts: %s\n", strings.Join(names, ", ")))
	}
	sb.WriteString(fmt.Sprintf("    difficulty: %s\n", models.ParseDifficulty(string(ir.Difficulty))))
	sb.WriteString(fmt.Sprintf("    type: %s\n", models.ParseContentType(string(ir.ContentType))))
	sb.WriteString("  </resource>\n")
}

// topConcepts returns up to limit concept names, most important first.
func topConcepts(concepts []models.Concept, limit int) []string {
	ranked := make([]models.Concept, 0, len(concepts))
	for _, c := range concepts {
		if strings.TrimSpace(c.Name) != "" {
			ranked = append(ranked, c)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return importanceRank(ranked[i].Importance) < importanceRank(ranked[j].Importance)
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	names := make([]string, len(ranked))
	for i, c := range ranked {
		names[i] = strings.TrimSpace(c.Name)
	}
	return names
}

func importanceRank(i models.Importance) int {
	switch models.ParseImportance(string(i)) {
	case models.ImportanceHigh:
		return 0
	case models.ImportanceMedium:
		return 1
	default:
		return 2
	}
}
