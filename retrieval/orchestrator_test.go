package retrieval

import "testing"

func TestSelectDiverseCapsPerDocument(t *testing.T) {
	merged := map[int64]*Result{
		1: {ChunkID: 1, DocumentID: 100},
		2: {ChunkID: 2, DocumentID: 100},
		3: {ChunkID: 3, DocumentID: 100},
		4: {ChunkID: 4, DocumentID: 200},
	}
	order := []int64{1, 2, 3, 4}

	selected := selectDiverse(order, merged, 10, 2)

	if len(selected) != 3 {
		t.Fatalf("expected 3 results (2 from doc 100, 1 from doc 200), got %d", len(selected))
	}
	ids := []int64{selected[0].ChunkID, selected[1].ChunkID, selected[2].ChunkID}
	if ids[0] != 1 || ids[1] != 2 || ids[2] != 4 {
		t.Errorf("expected order [1 2 4] (chunk 3 dropped by diversity cap), got %v", ids)
	}
}

func TestSelectDiversePreservesMergeOrder(t *testing.T) {
	merged := map[int64]*Result{
		5: {ChunkID: 5, DocumentID: 1},
		6: {ChunkID: 6, DocumentID: 2},
		7: {ChunkID: 7, DocumentID: 3},
	}
	order := []int64{7, 5, 6}

	selected := selectDiverse(order, merged, 10, 3)

	if len(selected) != 3 || selected[0].ChunkID != 7 || selected[1].ChunkID != 5 || selected[2].ChunkID != 6 {
		t.Errorf("expected merge order preserved [7 5 6], got %+v", selected)
	}
}

func TestSelectDiverseRespectsFinalLimit(t *testing.T) {
	merged := map[int64]*Result{
		1: {ChunkID: 1, DocumentID: 1},
		2: {ChunkID: 2, DocumentID: 2},
		3: {ChunkID: 3, DocumentID: 3},
	}
	order := []int64{1, 2, 3}

	selected := selectDiverse(order, merged, 2, 10)

	if len(selected) != 2 {
		t.Fatalf("expected final limit to cap at 2, got %d", len(selected))
	}
}

func TestSelectDiverseSkipsMissingEntries(t *testing.T) {
	merged := map[int64]*Result{
		1: {ChunkID: 1, DocumentID: 1},
	}
	order := []int64{1, 2, 3} // 2 and 3 not in merged (hydration failed)

	selected := selectDiverse(order, merged, 10, 10)

	if len(selected) != 1 || selected[0].ChunkID != 1 {
		t.Errorf("expected only chunk 1, got %+v", selected)
	}
}

func TestMergeOrderBM25FirstThenUnseenVector(t *testing.T) {
	order := mergeOrder([]int64{1, 2, 3}, []int64{4, 1, 5})

	want := []int64{1, 2, 3, 4, 5}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestMergeOrderDedupesWithinEachList(t *testing.T) {
	order := mergeOrder([]int64{7, 7, 8}, []int64{8, 9, 9})
	want := []int64{7, 8, 9}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestHybridFusionDiversityScenario(t *testing.T) {
	// Three documents A, B, C. BM25 returns [A1 B1 A2]; vector returns
	// [C1 A1 B2]. With a per-document cap of 2 and a final limit of 4 the
	// fused pack is [A1 B1 A2 C1]: A2 is accepted because A had only one
	// chunk selected at that point, and B2 is cut by the final limit.
	const (
		docA = int64(100)
		docB = int64(200)
		docC = int64(300)
	)
	a1, b1, a2, c1, b2 := int64(1), int64(2), int64(3), int64(4), int64(5)

	merged := map[int64]*Result{
		a1: {ChunkID: a1, DocumentID: docA},
		b1: {ChunkID: b1, DocumentID: docB},
		a2: {ChunkID: a2, DocumentID: docA},
		c1: {ChunkID: c1, DocumentID: docC},
		b2: {ChunkID: b2, DocumentID: docB},
	}

	order := mergeOrder([]int64{a1, b1, a2}, []int64{c1, a1, b2})
	wantOrder := []int64{a1, b1, a2, c1, b2}
	for i := range wantOrder {
		if order[i] != wantOrder[i] {
			t.Fatalf("merged order = %v, want %v", order, wantOrder)
		}
	}

	selected := selectDiverse(order, merged, 4, 2)
	wantSelected := []int64{a1, b1, a2, c1}
	if len(selected) != len(wantSelected) {
		t.Fatalf("selected %d results, want %d: %+v", len(selected), len(wantSelected), selected)
	}
	for i, want := range wantSelected {
		if selected[i].ChunkID != want {
			t.Errorf("selected[%d] = chunk %d, want %d", i, selected[i].ChunkID, want)
		}
	}
}

func TestIndexOfFindsAndMisses(t *testing.T) {
	ids := []int64{10, 20, 30}
	if i, ok := indexOf(ids, 20); !ok || i != 1 {
		t.Errorf("indexOf(20) = (%d, %v), want (1, true)", i, ok)
	}
	if _, ok := indexOf(ids, 99); ok {
		t.Errorf("indexOf(99) should not be found")
	}
}
