package cluster

import (
	"context"
	"strings"
	"time"

	"digestbot/internal/source"
)

// ArticleType is the editorial form suggested for a cluster.
type ArticleType string

const (
	HardNews ArticleType = "hard_news"
	Opinion  ArticleType = "opinion"
	Brief    ArticleType = "brief"
	Feature  ArticleType = "feature"
)

// ParseArticleType accepts either the enum name ("HARD_NEWS") or the value
// ("hard_news"). Anything else is hard news.
func ParseArticleType(s string) ArticleType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "opinion":
		return Opinion
	case "brief":
		return Brief
	case "feature":
		return Feature
	default:
		return HardNews
	}
}

// BriefSection collects clusters too thin for a full article.
const BriefSection = "In Brief"

// SummaryLen is the length of fallback summaries cut from item text.
const SummaryLen = 100

// MessageCluster is a set of items about one story. A cluster exclusively
// owns its items.
type MessageCluster struct {
	ID      string
	Items   []source.Item
	Summary string
	Section string
	Type    ArticleType
}

// SourceCount is the number of distinct sources among the members.
func (c *MessageCluster) SourceCount() int {
	seen := make(map[string]struct{}, len(c.Items))
	for _, it := range c.Items {
		seen[it.SourceID] = struct{}{}
	}
	return len(seen)
}

// TimeSpan returns the earliest and latest member timestamps.
func (c *MessageCluster) TimeSpan() (time.Time, time.Time) {
	var lo, hi time.Time
	for i, it := range c.Items {
		if i == 0 || it.Timestamp.Before(lo) {
			lo = it.Timestamp
		}
		if i == 0 || it.Timestamp.After(hi) {
			hi = it.Timestamp
		}
	}
	return lo, hi
}

// Topic is one classifier assignment. MessageIDs are 1-based positions in
// the submitted batch.
type Topic struct {
	ID         string
	Summary    string
	MessageIDs []int
	Type       string
	Section    string
}

// Summary describes a cluster to the merge classifier.
type Summary struct {
	ClusterID string `json:"cluster_id"`
	Summary   string `json:"summary"`
	Section   string `json:"section"`
	Type      string `json:"type"`
}

type MergeInstruction struct {
	Keep            string
	MergeIntoIt     []string
	CombinedSummary string
}

// MergePlan is the merge classifier's answer.
type MergePlan struct {
	Merges    []MergeInstruction
	Unchanged []string
}

// Classifier groups at most one batch of items into topics.
type Classifier interface {
	Classify(ctx context.Context, items []source.Item) ([]Topic, error)
}

// Merger decides which cross-batch clusters describe the same story.
type Merger interface {
	Merge(ctx context.Context, clusters []Summary) (MergePlan, error)
}

type ClassifierFunc func(ctx context.Context, items []source.Item) ([]Topic, error)

func (f ClassifierFunc) Classify(ctx context.Context, items []source.Item) ([]Topic, error) {
	return f(ctx, items)
}

type MergerFunc func(ctx context.Context, clusters []Summary) (MergePlan, error)

func (f MergerFunc) Merge(ctx context.Context, clusters []Summary) (MergePlan, error) {
	return f(ctx, clusters)
}
