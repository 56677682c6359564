package extractor

import (
	"fmt"
	"strings"
)

// BuildPrompt builds the prompt asking the oracle for one IR object.
func BuildPrompt(url, title string) string {
	var sb strings.Builder
	sb.WriteString("You are analyzing a bookmarked web resource so it can be grouped with related material later.\n\n")
	sb.WriteString("<source>\n")
	sb.WriteString(fmt.Sprintf("  <url>%s</url>\n", url))
	if title != "" {
		sb.WriteString(fmt.Sprintf("  <title>%s</title>\n", title))
	}
	sb.WriteString("</source>\n\n")
	sb.WriteString("Describe what a reader learns from this resource. Respond with a single JSON object and nothing else:\n")
	sb.WriteString(`{
  "summary": "2-4 sentence summary",
  "keyTopics": ["3-8 short topic labels"],
  "concepts": [
    {"name": "...", "description": "...", "importance": "high|medium|low", "relatedConcepts": ["..."]}
  ],
  "difficulty": "beginner|intermediate|advanced",
  "contentType": "article|video|tutorial|reference|discussion|other",
  "estimatedReadTime": 10
}`)
	sb.WriteString("\n\nestimatedReadTime is in minutes and may be omitted if unknown.")
	return sb.String()
}
