package llm

import (
	"fmt"
	"strings"

	"digestbot/internal/cluster"
)

type topicSchema struct {
	TopicID     string `json:"topic_id"`
	Summary     string `json:"summary"`
	MessageIDs  []int  `json:"message_ids"`
	ArticleType string `json:"article_type"`
	Section     string `json:"section"`
}

type clusteringResponse struct {
	Topics *[]topicSchema `json:"topics"`
}

func (r clusteringResponse) topics() ([]cluster.Topic, error) {
	if r.Topics == nil {
		return nil, fmt.Errorf("%w: missing \"topics\"", ErrMalformedResponse)
	}
	out := make([]cluster.Topic, 0, len(*r.Topics))
	for i, t := range *r.Topics {
		if t.MessageIDs == nil {
			return nil, fmt.Errorf("%w: topics[%d] has no message_ids", ErrMalformedResponse, i)
		}
		out = append(out, cluster.Topic{
			ID:         strings.TrimSpace(t.TopicID),
			Summary:    strings.TrimSpace(t.Summary),
			MessageIDs: t.MessageIDs,
			Type:       t.ArticleType,
			Section:    strings.TrimSpace(t.Section),
		})
	}
	return out, nil
}

type mergeSchema struct {
	Keep            string   `json:"keep"`
	MergeIntoIt     []string `json:"merge_into_it"`
	CombinedSummary string   `json:"combined_summary"`
}

type mergeResponse struct {
	Merges    *[]mergeSchema `json:"merges"`
	Unchanged []string       `json:"unchanged"`
}

func (r mergeResponse) plan() (cluster.MergePlan, error) {
	if r.Merges == nil {
		return cluster.MergePlan{}, fmt.Errorf("%w: missing \"merges\"", ErrMalformedResponse)
	}
	p := cluster.MergePlan{Unchanged: r.Unchanged}
	for i, m := range *r.Merges {
		if strings.TrimSpace(m.Keep) == "" {
			return cluster.MergePlan{}, fmt.Errorf("%w: merges[%d] has no keep id", ErrMalformedResponse, i)
		}
		p.Merges = append(p.Merges, cluster.MergeInstruction{
			Keep:            m.Keep,
			MergeIntoIt:     m.MergeIntoIt,
			CombinedSummary: strings.TrimSpace(m.CombinedSummary),
		})
	}
	return p, nil
}

type articleResponse struct {
	Headline      string  `json:"headline"`
	Subheadline   *string `json:"subheadline"`
	Body          string  `json:"body"`
	StanceSummary *string `json:"stance_summary"`
}

type filterResponse struct {
	Legitimate []int `json:"legitimate"`
	Trash      []int `json:"trash"`
}
