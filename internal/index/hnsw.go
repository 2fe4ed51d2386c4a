package index

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
)

// HNSWParams tunes the approximate graph. At the defaults the graph keeps
// recall@10 at or above 0.9 against exact search; candidates are always
// re-scored exactly before ranking.
type HNSWParams struct {
	M              int
	EfConstruction int
	EfSearch       int
	Seed           int64
}

func DefaultHNSWParams() HNSWParams {
	return HNSWParams{M: 16, EfConstruction: 200, EfSearch: 64, Seed: 42}
}

const maxHNSWLevel = 16

type hnswNode struct {
	id      string
	vec     []float32
	friends [][]int
	deleted bool
}

type hnswGraph struct {
	params    HNSWParams
	mMax0     int
	levelMult float64
	nodes     []*hnswNode
	byID      map[string]int
	entry     int
	maxLevel  int
	live      int
	rng       *rand.Rand
}

func newHNSW(p HNSWParams) *hnswGraph {
	d := DefaultHNSWParams()
	if p.M <= 1 {
		p.M = d.M
	}
	if p.EfConstruction <= 0 {
		p.EfConstruction = d.EfConstruction
	}
	if p.EfSearch <= 0 {
		p.EfSearch = d.EfSearch
	}
	g := &hnswGraph{params: p}
	g.reset()
	return g
}

func (g *hnswGraph) reset() {
	g.mMax0 = 2 * g.params.M
	g.levelMult = 1 / math.Log(float64(g.params.M))
	g.nodes = nil
	g.byID = make(map[string]int)
	g.entry = -1
	g.maxLevel = 0
	g.live = 0
	g.rng = rand.New(rand.NewSource(g.params.Seed))
}

func (g *hnswGraph) distance(q []float32, n int) float32 {
	return 1 - dot(q, g.nodes[n].vec)
}

func (g *hnswGraph) randomLevel() int {
	l := int(math.Floor(-math.Log(1-g.rng.Float64()) * g.levelMult))
	return min(l, maxHNSWLevel)
}

// add inserts vec (unit length) under id, tombstoning any previous node
// with the same id. Re-adding an unchanged vector is a no-op.
func (g *hnswGraph) add(id string, vec []float32) {
	if old, ok := g.byID[id]; ok {
		if equalVectors(g.nodes[old].vec, vec) {
			return
		}
		g.markDeleted(old)
	}

	n := len(g.nodes)
	level := g.randomLevel()
	node := &hnswNode{id: id, vec: vec, friends: make([][]int, level+1)}
	g.nodes = append(g.nodes, node)
	g.byID[id] = n
	g.live++

	if g.entry < 0 {
		g.entry = n
		g.maxLevel = level
		return
	}

	ep := g.entry
	for l := g.maxLevel; l > level; l-- {
		ep = g.greedy(vec, ep, l)
	}
	for l := min(level, g.maxLevel); l >= 0; l-- {
		cands := g.searchLayer(vec, ep, g.params.EfConstruction, l, false)
		maxConn := g.params.M
		if l == 0 {
			maxConn = g.mMax0
		}
		limit := min(g.params.M, len(cands))
		for _, c := range cands[:limit] {
			node.friends[l] = append(node.friends[l], c.node)
			nb := g.nodes[c.node]
			nb.friends[l] = append(nb.friends[l], n)
			if len(nb.friends[l]) > maxConn {
				g.prune(c.node, l, maxConn)
			}
		}
		if len(cands) > 0 {
			ep = cands[0].node
		}
	}
	if level > g.maxLevel {
		g.maxLevel = level
		g.entry = n
	}
}

func (g *hnswGraph) remove(id string) {
	if n, ok := g.byID[id]; ok {
		g.markDeleted(n)
		delete(g.byID, id)
	}
}

func (g *hnswGraph) markDeleted(n int) {
	if !g.nodes[n].deleted {
		g.nodes[n].deleted = true
		g.live--
	}
}

// needsRebuild reports whether tombstones exceed a quarter of the live
// nodes.
func (g *hnswGraph) needsRebuild() bool {
	dead := len(g.nodes) - g.live
	return dead > 0 && 4*dead > g.live
}

func (g *hnswGraph) tombstones() int {
	return len(g.nodes) - g.live
}

// rebuild re-inserts live nodes in their original order.
func (g *hnswGraph) rebuild() {
	old := g.nodes
	g.reset()
	for _, n := range old {
		if !n.deleted {
			g.add(n.id, n.vec)
		}
	}
}

func (g *hnswGraph) prune(n, layer, maxConn int) {
	node := g.nodes[n]
	friends := node.friends[layer]
	sort.SliceStable(friends, func(i, j int) bool {
		return g.distance(node.vec, friends[i]) < g.distance(node.vec, friends[j])
	})
	node.friends[layer] = friends[:maxConn]
}

func (g *hnswGraph) greedy(q []float32, ep, layer int) int {
	res := g.searchLayer(q, ep, 1, layer, false)
	if len(res) == 0 {
		return ep
	}
	return res[0].node
}

// search returns ids of live candidate nodes nearest to q, nearest first.
func (g *hnswGraph) search(q []float32, k int) []string {
	if g.entry < 0 || g.live == 0 {
		return nil
	}
	ep := g.entry
	for l := g.maxLevel; l > 0; l-- {
		ep = g.greedy(q, ep, l)
	}
	ef := max(g.params.EfSearch, k)
	cands := g.searchLayer(q, ep, ef, 0, true)
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = g.nodes[c.node].id
	}
	return ids
}

func equalVectors(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type candidate struct {
	node int
	dist float32
}

// searchLayer is the standard best-first beam search over one layer.
// Tombstoned nodes are always traversed; with liveOnly they do not take a
// slot in the result beam. Results are sorted by ascending distance.
func (g *hnswGraph) searchLayer(q []float32, ep, ef, layer int, liveOnly bool) []candidate {
	visited := map[int]struct{}{ep: {}}
	d := g.distance(q, ep)
	cands := &minHeap{{ep, d}}
	results := &maxHeap{}
	if !liveOnly || !g.nodes[ep].deleted {
		*results = append(*results, candidate{ep, d})
	}

	for cands.Len() > 0 {
		c := heap.Pop(cands).(candidate)
		if results.Len() >= ef && c.dist > (*results)[0].dist {
			break
		}
		node := g.nodes[c.node]
		if layer >= len(node.friends) {
			continue
		}
		for _, nb := range node.friends[layer] {
			if _, seen := visited[nb]; seen {
				continue
			}
			visited[nb] = struct{}{}
			nd := g.distance(q, nb)
			if results.Len() < ef || nd < (*results)[0].dist {
				heap.Push(cands, candidate{nb, nd})
				if liveOnly && g.nodes[nb].deleted {
					continue
				}
				heap.Push(results, candidate{nb, nd})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	return out
}

type minHeap []candidate

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

type maxHeap []candidate

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}
