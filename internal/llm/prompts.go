package llm

import (
	"fmt"
	"strings"

	"newsbrief/internal/ingest"
)

// RepresentationPrompt asks for a dense factual restatement of one article.
// The reply becomes the item's embedding source text, so it must carry the
// article's entities and claims rather than style.
func RepresentationPrompt(title, content string) string {
	var b strings.Builder
	b.WriteString("Restate the core information of the following news article as one dense, factual paragraph. ")
	b.WriteString("Keep every named entity, number, location, and date. ")
	b.WriteString("Do not editorialize and do not mention that this is an article or a summary.\n\n")
	fmt.Fprintf(&b, "TITLE: %s\n\nARTICLE:\n%s\n", title, content)
	return b.String()
}

// ClusterSummary is the structured reply expected for one topic cluster.
type ClusterSummary struct {
	TopicTitle string   `json:"topic_title"`
	Summary    string   `json:"summary"`
	KeyPoints  []string `json:"key_points"`
}

// FallbackClusterSummary is used when a model reply cannot be parsed. The
// brief run continues with this sentinel instead of aborting.
func FallbackClusterSummary() ClusterSummary {
	return ClusterSummary{
		TopicTitle: "Processing Error",
		Summary:    "Could not summarize.",
		KeyPoints:  []string{},
	}
}

// ClusterSummaryPrompt asks for a structured summary of one group of related
// articles under a strict JSON contract.
func ClusterSummaryPrompt(items []ingest.BriefItem) string {
	var b strings.Builder
	b.WriteString("The following news articles cover one topic. Summarize the topic for an intelligence brief.\n")
	b.WriteString("Respond with a single JSON object and nothing else, matching exactly:\n")
	b.WriteString(`{"topic_title": "short headline", "summary": "2-4 sentence prose summary", "key_points": ["point", ...]}`)
	b.WriteString("\n\nARTICLES:\n")
	for _, item := range items {
		fmt.Fprintf(&b, "- TITLE: %s\n  CONTENT: %s\n", item.Title, item.Content)
	}
	return b.String()
}
