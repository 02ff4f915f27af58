package retrieval

import (
	"sort"

	"github.com/arete-ai/arete/internal/search"
)

// rrfK is the reciprocal-rank-fusion smoothing constant. 60 is the value
// from the original RRF paper and keeps tail ranks contributing.
const rrfK = 60

// rankedList is one modality's ranked candidates with its fusion weight.
// Order records the list's position in the overall fan-out; earlier lists
// win score ties.
type rankedList struct {
	Weight     float64
	Hits       []search.Hit
	Collection string
	Order      int
}

// fused is a candidate with its combined score.
type fused struct {
	Hit        search.Hit
	Collection string
	Score      float64
	firstList  int
}

// fuse merges ranked lists with reciprocal rank fusion:
// score(p) = Σ_i w_i / (k + rank_i(p)). Candidates are deduplicated by id;
// ties break by earliest-appearing list, then ascending id for stability.
func fuse(lists []rankedList) []fused {
	byID := make(map[string]*fused)

	for _, l := range lists {
		if l.Weight <= 0 {
			continue
		}
		for rank, hit := range l.Hits {
			id := hit.ID.String()
			contribution := l.Weight / float64(rrfK+rank+1)
			if f, ok := byID[id]; ok {
				f.Score += contribution
				if l.Order < f.firstList {
					f.firstList = l.Order
				}
				continue
			}
			byID[id] = &fused{Hit: hit, Collection: l.Collection, Score: contribution, firstList: l.Order}
		}
	}

	out := make([]fused, 0, len(byID))
	for _, f := range byID {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].firstList != out[j].firstList {
			return out[i].firstList < out[j].firstList
		}
		return out[i].Hit.ID.String() < out[j].Hit.ID.String()
	})
	return out
}
