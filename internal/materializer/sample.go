package materializer

import (
	"cmp"
	"math"
	"slices"

	"github.com/ipfs/go-cid"

	"github.com/storacha/rtracker/internal/db/deals"
	"github.com/storacha/rtracker/internal/db/tasks"
)

type taskKey struct {
	contentID  string
	providerID string
}

type weightedTask struct {
	task tasks.Task
	key  float64
}

// selectTasks groups candidates by content and provider, merging their
// participants, and draws up to n groups without replacement. A group's weight
// is the number of distinct participants holding the deal.
func selectTasks(roundID uint64, candidates []deals.Candidate, n int, random func() float64) []tasks.Task {
	if n <= 0 {
		return nil
	}

	groups := make(map[taskKey]*tasks.Task)
	var order []taskKey
	for _, c := range candidates {
		contentID, ok := normalizeContentID(c.ContentID)
		if !ok {
			log.Warnf("Skipping candidate with invalid content ID %q", c.ContentID)
			continue
		}
		if c.ProviderID == "" || c.ParticipantID == "" {
			continue
		}

		k := taskKey{contentID, c.ProviderID}
		t, ok := groups[k]
		if !ok {
			t = &tasks.Task{RoundID: roundID, ContentID: contentID, ProviderID: c.ProviderID}
			groups[k] = t
			order = append(order, k)
		}
		if !slices.Contains(t.Participants, c.ParticipantID) {
			t.Participants = append(t.Participants, c.ParticipantID)
		}
	}

	// Efraimidis-Spirakis: keep the n largest u^(1/w), compared as ln(u)/w.
	weighted := make([]weightedTask, 0, len(order))
	for _, k := range order {
		t := groups[k]
		u := 1 - random() // (0, 1]
		weighted = append(weighted, weightedTask{
			task: *t,
			key:  math.Log(u) / float64(len(t.Participants)),
		})
	}

	slices.SortStableFunc(weighted, func(a, b weightedTask) int {
		return cmp.Compare(b.key, a.key)
	})
	if len(weighted) > n {
		weighted = weighted[:n]
	}

	selected := make([]tasks.Task, 0, len(weighted))
	for _, w := range weighted {
		selected = append(selected, w.task)
	}
	slices.SortFunc(selected, func(a, b tasks.Task) int {
		return cmp.Or(cmp.Compare(a.ContentID, b.ContentID), cmp.Compare(a.ProviderID, b.ProviderID))
	})
	return selected
}

func normalizeContentID(s string) (string, bool) {
	c, err := cid.Decode(s)
	if err != nil {
		return "", false
	}
	return c.String(), true
}
