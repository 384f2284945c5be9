package registry

import "sort"

// table is an arena of rows addressed by monotonically increasing ids.
type table[T any] struct {
	seq   int64
	rows  map[int64]T
	clone func(T) T
}

func newTable[T any](clone func(T) T) *table[T] {
	return &table[T]{rows: make(map[int64]T), clone: clone}
}

func (t *table[T]) next() int64 {
	t.seq++
	return t.seq
}

func (t *table[T]) get(id int64) (T, bool) {
	v, ok := t.rows[id]
	if !ok {
		return v, false
	}
	return t.clone(v), true
}

func (t *table[T]) put(id int64, v T) { t.rows[id] = t.clone(v) }

func (t *table[T]) all() []T {
	ids := make([]int64, 0, len(t.rows))
	for id := range t.rows {
		ids = append(ids, id)
	}
	return t.pick(ids)
}

// pick returns copies of the rows for ids, ordered by id.
func (t *table[T]) pick(ids []int64) []T {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out := make([]T, 0, len(sorted))
	for _, id := range sorted {
		if v, ok := t.rows[id]; ok {
			out = append(out, t.clone(v))
		}
	}
	return out
}

// index maps a key to the ids of the rows carrying it.
type index[K comparable] map[K][]int64

func (ix index[K]) add(k K, id int64) { ix[k] = append(ix[k], id) }

func (ix index[K]) remove(k K, id int64) {
	ids := ix[k]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(ix, k)
		return
	}
	ix[k] = ids
}
