package search

import "sort"

// pathHit 单路召回结果
type pathHit struct {
	ChunkID string
	Score   float64
	Source  string
}

// fusedHit RRF 融合后的候选
type fusedHit struct {
	ChunkID string
	Score   float64
	Sources []string
}

// rrfFuse Reciprocal Rank Fusion 多路融合排序。
//
// 公式: score(d) = Σ 1 / (k + rank_i(d) + 1)，k=60 为论文推荐值。
// 对各路排名做倒数加权求和，天然平衡不同量纲的打分体系
// （cosine / IP / FTS rank 无需归一化即可混排）。
func rrfFuse(rankedLists [][]pathHit, k int) []fusedHit {
	scores := make(map[string]float64)
	sources := make(map[string]map[string]struct{})

	for _, rankedList := range rankedLists {
		for rank, hit := range rankedList {
			scores[hit.ChunkID] += 1.0 / float64(k+rank+1)
			if sources[hit.ChunkID] == nil {
				sources[hit.ChunkID] = make(map[string]struct{})
			}
			sources[hit.ChunkID][hit.Source] = struct{}{}
		}
	}

	fused := make([]fusedHit, 0, len(scores))
	for chunkID, score := range scores {
		labels := make([]string, 0, len(sources[chunkID]))
		for label := range sources[chunkID] {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		fused = append(fused, fusedHit{ChunkID: chunkID, Score: score, Sources: labels})
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].ChunkID < fused[j].ChunkID
	})
	return fused
}
