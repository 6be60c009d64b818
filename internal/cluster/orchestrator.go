// Package cluster splits item sets into classifier-sized batches and
// reconciles the per-batch topics into one cluster set.
//
// Every input item ends up in exactly one output cluster, whatever the
// classifier or merge step returns.
package cluster

import (
	"context"
	"fmt"
	"time"

	"digestbot/internal/source"
	"digestbot/pkg/logx"
)

// DefaultBatchSize is used when Cluster is called with a non-positive size.
const DefaultBatchSize = 50

type Orchestrator struct {
	classifier Classifier
	merger     Merger
	log        logx.Logger
}

// New builds an orchestrator. merger may be nil, in which case batches are
// never merged.
func New(classifier Classifier, merger Merger, log logx.Logger) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{classifier: classifier, merger: merger, log: log}
}

// Cluster groups items into topics. Small sets are classified in one call;
// larger sets are split into contiguous batches whose cluster ids get a
// "batch{i}_" prefix, then merged.
func (o *Orchestrator) Cluster(ctx context.Context, items []source.Item, batchSize int) []*MessageCluster {
	if len(items) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	start := time.Now()

	if len(items) <= batchSize {
		out := o.clusterBatch(ctx, items, -1)
		o.log.Info("clustered items", logx.Int("items", len(items)), logx.Int("clusters", len(out)), logx.Duration("took", time.Since(start)))
		return out
	}

	nb := (len(items) + batchSize - 1) / batchSize
	o.log.Info("clustering in batches", logx.Int("items", len(items)), logx.Int("batches", nb), logx.Int("batch_size", batchSize))

	all := make([]*MessageCluster, 0, nb*4)
	for i := 0; i < nb; i++ {
		lo := i * batchSize
		hi := min(lo+batchSize, len(items))
		o.log.Debug("clustering batch", logx.Int("batch", i+1), logx.Int("of", nb), logx.Int("size", hi-lo))
		for _, c := range o.clusterBatch(ctx, items[lo:hi], i) {
			c.ID = fmt.Sprintf("batch%d_%s", i, c.ID)
			all = append(all, c)
		}
	}

	out := o.merge(ctx, all)
	o.log.Info("clustered items", logx.Int("items", len(items)), logx.Int("clusters", len(out)), logx.Duration("took", time.Since(start)))
	return out
}

// clusterBatch classifies one batch; batch < 0 means unbatched.
func (o *Orchestrator) clusterBatch(ctx context.Context, items []source.Item, batch int) []*MessageCluster {
	if o.classifier == nil {
		return fallbackClusters(items)
	}
	topics, err := o.classifier.Classify(ctx, items)
	if err != nil {
		o.log.Warn("classification failed; one cluster per item", logx.Int("batch", batch), logx.Int("items", len(items)), logx.Err(err))
		return fallbackClusters(items)
	}
	out, unassigned, dup := fromTopics(topics, items)
	if unassigned > 0 || dup > 0 {
		o.log.Warn("classifier assignment reconciled",
			logx.Int("batch", batch),
			logx.Int("unassigned", unassigned),
			logx.Int("duplicate", dup),
		)
	}
	return out
}

// fromTopics maps topics onto the batch. Positions outside the batch are
// ignored, an item claimed twice stays with its first topic, and items no
// topic claims become singleton briefs.
func fromTopics(topics []Topic, items []source.Item) (out []*MessageCluster, unassigned, dup int) {
	taken := make([]bool, len(items))
	ids := make(idSet, len(topics)+len(items))

	for k, t := range topics {
		var members []source.Item
		for _, pos := range t.MessageIDs {
			if pos < 1 || pos > len(items) {
				continue
			}
			if taken[pos-1] {
				dup++
				continue
			}
			taken[pos-1] = true
			members = append(members, items[pos-1])
		}
		if len(members) == 0 {
			continue
		}

		id := t.ID
		if id == "" {
			id = fmt.Sprintf("topic_%d", k+1)
		}
		id = ids.claim(id)

		section := t.Section
		if section == "" {
			section = BriefSection
		}
		out = append(out, &MessageCluster{
			ID:      id,
			Items:   members,
			Summary: t.Summary,
			Section: section,
			Type:    ParseArticleType(t.Type),
		})
	}

	for i, ok := range taken {
		if ok {
			continue
		}
		unassigned++
		out = append(out, singleton(ids.claim(fmt.Sprintf("unassigned_%d", i)), items[i]))
	}
	return out, unassigned, dup
}

func fallbackClusters(items []source.Item) []*MessageCluster {
	out := make([]*MessageCluster, 0, len(items))
	ids := make(idSet, len(items))
	for i, it := range items {
		out = append(out, singleton(ids.claim(fmt.Sprintf("fallback_%d", i)), it))
	}
	return out
}

// idSet hands out cluster ids unique within one batch. A taken id gets the
// first free "_N" suffix, starting at 2.
type idSet map[string]struct{}

func (s idSet) claim(id string) string {
	out := id
	for n := 2; ; n++ {
		if _, taken := s[out]; !taken {
			break
		}
		out = fmt.Sprintf("%s_%d", id, n)
	}
	s[out] = struct{}{}
	return out
}

func singleton(id string, it source.Item) *MessageCluster {
	return &MessageCluster{
		ID:      id,
		Items:   []source.Item{it},
		Summary: it.Snippet(SummaryLen),
		Section: BriefSection,
		Type:    Brief,
	}
}

// merge asks the merger which clusters describe the same story. On failure
// the unmerged clusters are returned unchanged.
func (o *Orchestrator) merge(ctx context.Context, clusters []*MessageCluster) []*MessageCluster {
	if o.merger == nil || len(clusters) < 2 {
		return clusters
	}
	sums := make([]Summary, 0, len(clusters))
	for _, c := range clusters {
		sums = append(sums, Summary{ClusterID: c.ID, Summary: c.Summary, Section: c.Section, Type: string(c.Type)})
	}
	plan, err := o.merger.Merge(ctx, sums)
	if err != nil {
		o.log.Warn("cluster merge failed; using unmerged clusters", logx.Int("clusters", len(clusters)), logx.Err(err))
		return clusters
	}
	out, absorbed := ApplyMerge(clusters, plan)
	o.log.Info("merged clusters", logx.Int("before", len(clusters)), logx.Int("after", len(out)), logx.Int("absorbed", absorbed))
	return out
}

// ApplyMerge applies a merge plan. A keep cluster absorbs the members of its
// merge_into_it clusters and takes the combined summary. Clusters the plan
// doesn't mention are kept. A cluster that already acts as a keeper is never
// absorbed, and an absorbed cluster stays with its first owner; a later
// instruction keeping it redirects into that owner. Unknown ids are ignored.
// Output order follows the input order.
func ApplyMerge(clusters []*MessageCluster, plan MergePlan) ([]*MessageCluster, int) {
	byID := make(map[string]*MessageCluster, len(clusters))
	for _, c := range clusters {
		if _, dup := byID[c.ID]; !dup {
			byID[c.ID] = c
		}
	}
	owner := map[string]string{} // absorbed id -> keeper id
	keeper := map[string]bool{}
	absorbed := 0

	for _, m := range plan.Merges {
		target, ok := byID[m.Keep]
		if !ok {
			continue
		}
		redirected := false
		if o, isAbsorbed := owner[m.Keep]; isAbsorbed {
			target = byID[o]
			redirected = true
		}
		keeper[target.ID] = true

		for _, id := range m.MergeIntoIt {
			if id == m.Keep || id == target.ID {
				continue
			}
			c, ok := byID[id]
			if !ok {
				continue
			}
			if _, taken := owner[id]; taken || keeper[id] {
				continue
			}
			target.Items = append(target.Items, c.Items...)
			c.Items = nil
			owner[id] = target.ID
			absorbed++
		}
		if !redirected && m.CombinedSummary != "" {
			target.Summary = m.CombinedSummary
		}
	}

	out := make([]*MessageCluster, 0, len(clusters)-absorbed)
	for _, c := range clusters {
		if _, gone := owner[c.ID]; gone && byID[c.ID] == c {
			continue
		}
		out = append(out, c)
	}
	return out, absorbed
}
