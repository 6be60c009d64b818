package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"digestbot/internal/source"
	"digestbot/pkg/logx"
)

func makeItems(n int) []source.Item {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	out := make([]source.Item, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, source.Item{
			SourceID:  fmt.Sprintf("@chan%d", i%3),
			ItemID:    fmt.Sprint(i + 1),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Text:      fmt.Sprintf("item %d %s", i, strings.Repeat("x", 150)),
		})
	}
	return out
}

// oneTopic puts the whole batch into a single topic.
func oneTopic() ClassifierFunc {
	return func(ctx context.Context, items []source.Item) ([]Topic, error) {
		ids := make([]int, len(items))
		for i := range ids {
			ids[i] = i + 1
		}
		return []Topic{{ID: "t1", Summary: "all", MessageIDs: ids, Type: "HARD_NEWS", Section: "World"}}, nil
	}
}

func countItems(cs []*MessageCluster) int {
	n := 0
	for _, c := range cs {
		n += len(c.Items)
	}
	return n
}

func assertConserved(t *testing.T, in []source.Item, out []*MessageCluster) {
	t.Helper()
	if got := countItems(out); got != len(in) {
		t.Fatalf("output holds %d items, want %d", got, len(in))
	}
	seen := map[string]bool{}
	for _, c := range out {
		for _, it := range c.Items {
			k := it.SourceID + "/" + it.ItemID
			if seen[k] {
				t.Fatalf("item %s appears twice", k)
			}
			seen[k] = true
		}
	}
}

func TestClusterSingleBatch(t *testing.T) {
	t.Parallel()
	items := makeItems(10)
	var merges atomic.Int32
	m := MergerFunc(func(ctx context.Context, s []Summary) (MergePlan, error) {
		merges.Add(1)
		return MergePlan{}, nil
	})
	out := New(oneTopic(), m, logx.Nop()).Cluster(context.Background(), items, 50)
	if len(out) != 1 || out[0].ID != "t1" || len(out[0].Items) != 10 {
		t.Fatalf("unexpected clusters %+v", out)
	}
	if out[0].Type != HardNews || out[0].Section != "World" {
		t.Fatalf("unexpected cluster metadata %+v", out[0])
	}
	if merges.Load() != 0 {
		t.Fatal("single batch must not be merged")
	}
}

func TestClusterThreeBatchesUnchanged(t *testing.T) {
	t.Parallel()
	items := makeItems(120)
	var calls atomic.Int32
	c := ClassifierFunc(func(ctx context.Context, batch []source.Item) ([]Topic, error) {
		calls.Add(1)
		return oneTopic()(ctx, batch)
	})
	m := MergerFunc(func(ctx context.Context, s []Summary) (MergePlan, error) {
		if len(s) != 3 {
			return MergePlan{}, fmt.Errorf("got %d summaries", len(s))
		}
		return MergePlan{Unchanged: []string{s[0].ClusterID, s[1].ClusterID, s[2].ClusterID}}, nil
	})

	out := New(c, m, logx.Nop()).Cluster(context.Background(), items, 50)
	if calls.Load() != 3 {
		t.Fatalf("classifier calls = %d, want 3", calls.Load())
	}
	if len(out) != 3 {
		t.Fatalf("clusters = %d, want 3", len(out))
	}
	wantSizes := []int{50, 50, 20}
	ids := map[string]bool{}
	for i, cl := range out {
		if len(cl.Items) != wantSizes[i] {
			t.Fatalf("cluster %d size = %d, want %d", i, len(cl.Items), wantSizes[i])
		}
		if want := fmt.Sprintf("batch%d_t1", i); cl.ID != want {
			t.Fatalf("cluster %d id = %q, want %q", i, cl.ID, want)
		}
		if ids[cl.ID] {
			t.Fatalf("duplicate id %q", cl.ID)
		}
		ids[cl.ID] = true
	}
	assertConserved(t, items, out)
}

func TestClusterBatchFailureFallsBack(t *testing.T) {
	t.Parallel()
	items := makeItems(120)
	var call atomic.Int32
	c := ClassifierFunc(func(ctx context.Context, batch []source.Item) ([]Topic, error) {
		if call.Add(1) == 2 {
			return nil, errors.New("classifier timeout")
		}
		return oneTopic()(ctx, batch)
	})
	m := MergerFunc(func(ctx context.Context, s []Summary) (MergePlan, error) {
		return MergePlan{}, nil
	})

	out := New(c, m, logx.Nop()).Cluster(context.Background(), items, 50)
	// 1 + 50 + 1
	if len(out) != 52 {
		t.Fatalf("clusters = %d, want 52", len(out))
	}
	if out[0].ID != "batch0_t1" || len(out[0].Items) != 50 {
		t.Fatalf("batch 0 cluster = %s (%d items)", out[0].ID, len(out[0].Items))
	}
	for i := 1; i <= 50; i++ {
		cl := out[i]
		if want := fmt.Sprintf("batch1_fallback_%d", i-1); cl.ID != want {
			t.Fatalf("fallback id = %q, want %q", cl.ID, want)
		}
		if len(cl.Items) != 1 || cl.Section != BriefSection || cl.Type != Brief {
			t.Fatalf("unexpected fallback cluster %+v", cl)
		}
		if n := len([]rune(cl.Summary)); n != SummaryLen {
			t.Fatalf("fallback summary has %d runes, want %d", n, SummaryLen)
		}
	}
	if last := out[51]; last.ID != "batch2_t1" || len(last.Items) != 20 {
		t.Fatalf("batch 2 cluster = %s (%d items)", last.ID, len(last.Items))
	}
	assertConserved(t, items, out)
}

func TestClusterMergeFailureReturnsUnmerged(t *testing.T) {
	t.Parallel()
	items := makeItems(120)
	m := MergerFunc(func(ctx context.Context, s []Summary) (MergePlan, error) {
		return MergePlan{}, errors.New("malformed")
	})
	out := New(oneTopic(), m, logx.Nop()).Cluster(context.Background(), items, 50)
	if len(out) != 3 {
		t.Fatalf("clusters = %d, want 3", len(out))
	}
	assertConserved(t, items, out)
}

func TestClusterMergeAbsorbs(t *testing.T) {
	t.Parallel()
	items := makeItems(120)
	m := MergerFunc(func(ctx context.Context, s []Summary) (MergePlan, error) {
		return MergePlan{Merges: []MergeInstruction{{
			Keep:            "batch0_t1",
			MergeIntoIt:     []string{"batch2_t1", "batch9_nope"},
			CombinedSummary: "combined",
		}}}, nil
	})
	out := New(oneTopic(), m, logx.Nop()).Cluster(context.Background(), items, 50)
	if len(out) != 2 {
		t.Fatalf("clusters = %d, want 2", len(out))
	}
	if out[0].ID != "batch0_t1" || len(out[0].Items) != 70 || out[0].Summary != "combined" {
		t.Fatalf("keeper = %s (%d items, %q)", out[0].ID, len(out[0].Items), out[0].Summary)
	}
	// not mentioned anywhere: preserved
	if out[1].ID != "batch1_t1" || len(out[1].Items) != 50 {
		t.Fatalf("unlisted cluster lost: %+v", out[1].ID)
	}
	assertConserved(t, items, out)
}

func TestClusterReconcilesBadAssignments(t *testing.T) {
	t.Parallel()
	items := makeItems(6)
	c := ClassifierFunc(func(ctx context.Context, batch []source.Item) ([]Topic, error) {
		return []Topic{
			{ID: "a", MessageIDs: []int{1, 2, 2, 99, 0}, Type: "weird", Section: ""},
			{ID: "a", MessageIDs: []int{2, 3}, Type: "OPINION", Section: "Opinion"},
			{ID: "empty", MessageIDs: nil},
		}, nil
	})
	out := New(c, nil, logx.Nop()).Cluster(context.Background(), items, 50)
	assertConserved(t, items, out)

	if out[0].ID != "a" || len(out[0].Items) != 2 || out[0].Type != HardNews || out[0].Section != BriefSection {
		t.Fatalf("first topic = %+v", out[0])
	}
	if out[1].ID != "a_2" || len(out[1].Items) != 1 || out[1].Type != Opinion {
		t.Fatalf("second topic = %+v", out[1])
	}
	// items 4..6 unclaimed
	if len(out) != 5 {
		t.Fatalf("clusters = %d, want 5", len(out))
	}
	for _, cl := range out[2:] {
		if !strings.HasPrefix(cl.ID, "unassigned_") || len(cl.Items) != 1 {
			t.Fatalf("unexpected cluster %+v", cl.ID)
		}
	}
}

func TestClusterIDsUniqueAgainstSyntheticNames(t *testing.T) {
	t.Parallel()
	items := makeItems(2)
	c := ClassifierFunc(func(ctx context.Context, batch []source.Item) ([]Topic, error) {
		return []Topic{
			{ID: "unassigned_1", MessageIDs: []int{1}},
			{ID: "x", MessageIDs: []int{}},
			{ID: "a_2", MessageIDs: nil},
		}, nil
	})
	out := New(c, nil, logx.Nop()).Cluster(context.Background(), items, 50)
	assertConserved(t, items, out)
	if len(out) != 2 {
		t.Fatalf("clusters = %d, want 2", len(out))
	}
	if out[0].ID != "unassigned_1" || out[1].ID != "unassigned_1_2" {
		t.Fatalf("ids = %q, %q", out[0].ID, out[1].ID)
	}

	c = ClassifierFunc(func(ctx context.Context, batch []source.Item) ([]Topic, error) {
		return []Topic{
			{ID: "a_2", MessageIDs: []int{1}},
			{ID: "a", MessageIDs: []int{2}},
			{ID: "a", MessageIDs: []int{3}},
		}, nil
	})
	items = makeItems(3)
	out = New(c, nil, logx.Nop()).Cluster(context.Background(), items, 50)
	assertConserved(t, items, out)
	seen := map[string]bool{}
	for _, cl := range out {
		if seen[cl.ID] {
			t.Fatalf("duplicate cluster id %q", cl.ID)
		}
		seen[cl.ID] = true
	}
	if out[2].ID != "a_3" {
		t.Fatalf("third id = %q, want a_3", out[2].ID)
	}
}

func TestClusterConservationProperty(t *testing.T) {
	t.Parallel()
	// Deterministic pseudo-random classifier and merger outcomes.
	for n := 1; n <= 130; n += 7 {
		for _, bs := range []int{1, 7, 50} {
			items := makeItems(n)
			var calls atomic.Int32
			c := ClassifierFunc(func(ctx context.Context, batch []source.Item) ([]Topic, error) {
				k := calls.Add(1)
				if k%4 == 0 {
					return nil, errors.New("flaky")
				}
				var topics []Topic
				for i := 1; i <= len(batch); i += 2 {
					topics = append(topics, Topic{ID: fmt.Sprintf("t%d", i), MessageIDs: []int{i, i + 1, i + int(k)}})
				}
				return topics, nil
			})
			m := MergerFunc(func(ctx context.Context, s []Summary) (MergePlan, error) {
				if len(s)%5 == 0 {
					return MergePlan{}, errors.New("merge failed")
				}
				var plan MergePlan
				for i := 0; i+2 < len(s); i += 3 {
					plan.Merges = append(plan.Merges, MergeInstruction{Keep: s[i].ClusterID, MergeIntoIt: []string{s[i+1].ClusterID, s[i].ClusterID}})
					// keep an already absorbed cluster: redirect
					plan.Merges = append(plan.Merges, MergeInstruction{Keep: s[i+1].ClusterID, MergeIntoIt: []string{s[i+2].ClusterID}})
				}
				return plan, nil
			})
			out := New(c, m, logx.Nop()).Cluster(context.Background(), items, bs)
			assertConserved(t, items, out)
		}
	}
}

func TestApplyMergeConflicts(t *testing.T) {
	t.Parallel()
	mk := func(id string, n int) *MessageCluster {
		c := &MessageCluster{ID: id, Summary: id}
		for i := 0; i < n; i++ {
			c.Items = append(c.Items, source.Item{SourceID: id, ItemID: fmt.Sprint(i)})
		}
		return c
	}
	clusters := []*MessageCluster{mk("a", 1), mk("b", 2), mk("c", 3), mk("d", 4)}
	plan := MergePlan{
		Merges: []MergeInstruction{
			{Keep: "a", MergeIntoIt: []string{"b"}, CombinedSummary: "ab"},
			// b already absorbed by a: c follows b into a, summary untouched
			{Keep: "b", MergeIntoIt: []string{"c"}, CombinedSummary: "bc"},
			// a is a keeper and can't be absorbed
			{Keep: "d", MergeIntoIt: []string{"a"}},
			{Keep: "zz", MergeIntoIt: []string{"d"}},
		},
		Unchanged: []string{"d", "ghost"},
	}
	out, absorbed := ApplyMerge(clusters, plan)
	if absorbed != 2 {
		t.Fatalf("absorbed = %d, want 2", absorbed)
	}
	if len(out) != 2 || out[0].ID != "a" || out[1].ID != "d" {
		t.Fatalf("unexpected output ids")
	}
	if len(out[0].Items) != 6 || out[0].Summary != "ab" {
		t.Fatalf("a = %d items %q", len(out[0].Items), out[0].Summary)
	}
	if len(out[1].Items) != 4 {
		t.Fatalf("d = %d items", len(out[1].Items))
	}
}

func TestMessageClusterDerived(t *testing.T) {
	t.Parallel()
	items := makeItems(5)
	c := &MessageCluster{Items: items}
	if c.SourceCount() != 3 {
		t.Fatalf("SourceCount = %d, want 3", c.SourceCount())
	}
	lo, hi := c.TimeSpan()
	if !lo.Equal(items[0].Timestamp) || !hi.Equal(items[4].Timestamp) {
		t.Fatalf("TimeSpan = %s..%s", lo, hi)
	}
}
