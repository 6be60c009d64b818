package llm

import (
	"fmt"
	"strings"

	"digestbot/internal/cluster"
	"digestbot/internal/config"
	"digestbot/internal/source"
)

// classifyTextLimit bounds each item's text in clustering and filter prompts.
const classifyTextLimit = 500

func numbered(items []source.Item) string {
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteString("\n\n")
		}
		title := it.SourceTitle
		if title == "" {
			title = it.SourceID
		}
		text := source.Truncate(it.Text, classifyTextLimit)
		if len(text) < len(it.Text) {
			text += "..."
		}
		fmt.Fprintf(&b, "[%d] %s: %s", i+1, title, text)
	}
	return b.String()
}

func clusteringPrompt(items []source.Item, sections []string) []Message {
	if len(sections) == 0 {
		sections = config.DefaultSections
	}
	sys := `You are an editor at a newspaper reviewing incoming news items from multiple sources.

Your task is to:
1. DEDUPLICATE: Identify messages that report on the same story/event (even if worded differently)
2. CLUSTER: Group related items into coherent topics/themes (aim for 5-15 distinct topics)
3. CLASSIFY: For each topic, determine the article type:
   - HARD_NEWS: Factual reporting of events
   - OPINION: Commentary, editorials, or opinion pieces
   - BRIEF: Minor items not warranting a full article
   - FEATURE: Longer-form context or analysis
4. CATEGORIZE: Suggest a newspaper section for each topic from: ` + strings.Join(sections, ", ") + `

Messages from the SAME source reporting on the same story are updates, not duplicates. Keep them together in one topic.

Respond in JSON format with this structure:
{
  "topics": [
    {
      "topic_id": "topic_1",
      "summary": "Brief description of this topic/story",
      "message_ids": [1, 3, 7, 12],
      "article_type": "HARD_NEWS",
      "section": "Politics"
    }
  ]
}`
	return []Message{system(sys), user("News items to cluster:\n\n" + numbered(items))}
}

func mergePrompt(sums []cluster.Summary) []Message {
	var b strings.Builder
	for i, s := range sums {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s] Section: %s, Type: %s\nSummary: %s", s.ClusterID, s.Section, s.Type, s.Summary)
	}
	sys := `You are an editor consolidating topic clusters from different batches.

Below are topic summaries from separate processing batches. Some topics may actually be the same story reported across batches.

Your task:
1. Identify topics that should be MERGED (same underlying story)
2. Return merge instructions

Respond in JSON format:
{
  "merges": [
    {
      "keep": "batch0_topic_3",
      "merge_into_it": ["batch1_topic_1", "batch2_topic_5"],
      "combined_summary": "Updated summary for merged topic"
    }
  ],
  "unchanged": ["batch0_topic_1", "batch1_topic_2"]
}`
	return []Message{system(sys), user("Topic summaries:\n\n" + b.String())}
}

func filterPrompt(items []source.Item) []Message {
	sys := `You are screening incoming channel posts before they reach the newsroom.

Classify every numbered message as either:
- LEGITIMATE: news, commentary, announcements, opinions, analysis
- TRASH: advertising, promotions, donation pleas, greetings, holiday wishes, spam, social pleasantries

When unsure, treat the message as LEGITIMATE.

Respond in JSON format:
{
  "legitimate": [1, 2, 5],
  "trash": [3, 4]
}`
	return []Message{system(sys), user("Messages:\n\n" + numbered(items))}
}

func articlePrompt(c *cluster.MessageCluster, language, paper string) []Message {
	var src strings.Builder
	for i, it := range c.Items {
		if i > 0 {
			src.WriteString("\n\n")
		}
		title := it.SourceTitle
		if title == "" {
			title = it.SourceID
		}
		fmt.Fprintf(&src, "[Source %d] %s (%s): %s", i+1, title, it.Timestamp.Format("2006-01-02 15:04"), it.Text)
	}

	var sys string
	switch c.Type {
	case cluster.Opinion:
		sys = fmt.Sprintf(`You are a columnist writing for %s. Write an opinion piece based on the following commentary from various sources.

REQUIREMENTS:
- Write in %s
- Preserve the original stance and perspective from the sources
- Write in an engaging, lively style appropriate for opinion journalism
- Clearly indicate whose views are being represented
- Use inline citations [Source: Channel Name]
- Generate an attention-grabbing headline
- Format the body as HTML with proper paragraphs (<p> tags)

Topic: %s

FORMAT YOUR RESPONSE AS JSON:
{
  "headline": "...",
  "subheadline": "...",
  "stance_summary": "One sentence summary of the perspective",
  "body": "HTML-formatted opinion piece with [Source: X] citations"
}`, paper, language, c.Summary)
	case cluster.Brief:
		sys = fmt.Sprintf(`You are writing a brief news item for %s.

REQUIREMENTS:
- Write in %s
- Keep it to 1-2 sentences
- Just the essential facts
- Include one source citation [Source: Channel Name]
- Generate a short, punchy headline

Topic: %s

FORMAT YOUR RESPONSE AS JSON:
{
  "headline": "...",
  "subheadline": null,
  "body": "One or two sentence summary with [Source: X] citation"
}`, paper, language, c.Summary)
	case cluster.Feature:
		sys = fmt.Sprintf(`You are a feature writer for %s. Write a longer-form article based on the following source material.

REQUIREMENTS:
- Write in %s
- Provide context and analysis beyond just the facts
- Use engaging narrative style while remaining informative
- Include inline citations [Source: Channel Name]
- Generate a compelling headline that captures the essence
- Format the body as HTML with proper paragraphs (<p> tags)

Topic: %s

FORMAT YOUR RESPONSE AS JSON:
{
  "headline": "...",
  "subheadline": "...",
  "body": "HTML-formatted feature article with [Source: X] citations"
}`, paper, language, c.Summary)
	default:
		sys = fmt.Sprintf(`You are a journalist writing for %s. Write a news article based on the following source material.

REQUIREMENTS:
- Write in %s
- Use inverted pyramid structure (most important facts first)
- Be factual and objective, no editorializing
- Every factual claim must be attributable to a source
- Use inline citations in the format [Source: Channel Name]
- Generate a compelling but accurate headline
- Generate a subheadline that adds context
- Format the body as HTML with proper paragraphs (<p> tags)

Topic: %s

FORMAT YOUR RESPONSE AS JSON:
{
  "headline": "...",
  "subheadline": "...",
  "body": "HTML-formatted article body with [Source: X] citations"
}`, paper, language, c.Summary)
	}
	return []Message{system(sys), user("SOURCE MATERIAL:\n\n" + src.String())}
}
