package graph

import "testing"

func TestStoreUpsertPreservesIdentity(t *testing.T) {
	store := NewStore()
	snap := NewSnapshot(KindSink, 4, "Speakers")

	first, isNew := store.Upsert(KindSink, 4, snap)
	if !isNew || first == nil {
		t.Fatalf("expected new entity, got %v new=%v", first, isNew)
	}
	if first.Color != NoColor || first.Active || first.Placement.Placed() {
		t.Fatalf("expected defaults on creation, got %+v", first)
	}

	snap.Name = "Headphones"
	second, isNew := store.Upsert(KindSink, 4, snap)
	if isNew {
		t.Fatalf("expected update, got new entity")
	}
	if first != second {
		t.Fatalf("expected in-place update to keep the same entity")
	}
	if second.RawName != "Headphones" {
		t.Fatalf("expected name update, got %q", second.RawName)
	}
	if store.Len(KindSink) != 1 {
		t.Fatalf("expected a single sink, got %d", store.Len(KindSink))
	}
}

func TestStoreIDsAreScopedByKind(t *testing.T) {
	store := NewStore()
	store.Upsert(KindSink, 1, NewSnapshot(KindSink, 1, "sink"))
	store.Upsert(KindSource, 1, NewSnapshot(KindSource, 1, "source"))

	sink, ok := store.Find(KindSink, 1)
	if !ok || sink.RawName != "sink" {
		t.Fatalf("expected sink 1, got %+v", sink)
	}
	source, ok := store.Find(KindSource, 1)
	if !ok || source.RawName != "source" {
		t.Fatalf("expected source 1, got %+v", source)
	}
}

func TestStoreRemoveIsIdempotent(t *testing.T) {
	store := NewStore()
	store.Upsert(KindClient, 7, NewSnapshot(KindClient, 7, "a"))
	store.Upsert(KindClient, 8, NewSnapshot(KindClient, 8, "b"))
	store.Upsert(KindClient, 9, NewSnapshot(KindClient, 9, "c"))

	if _, ok := store.Remove(KindClient, 8); !ok {
		t.Fatalf("expected removal of client 8")
	}
	if _, ok := store.Remove(KindClient, 8); ok {
		t.Fatalf("second removal should be a no-op")
	}
	if _, ok := store.Remove(KindClient, 100); ok {
		t.Fatalf("removing an unknown id should be a no-op")
	}

	list := store.List(KindClient)
	if len(list) != 2 || list[0].ID != 7 || list[1].ID != 9 {
		t.Fatalf("expected arrival order 7,9 after removal, got %+v", list)
	}
}

func TestStoreRejectsInvalidIndex(t *testing.T) {
	store := NewStore()
	if e, _ := store.Upsert(KindSink, InvalidIndex, NewSnapshot(KindSink, InvalidIndex, "x")); e != nil {
		t.Fatalf("expected invalid index to be rejected")
	}
	if e, _ := store.Upsert(Kind(42), 1, Snapshot{}); e != nil {
		t.Fatalf("expected invalid kind to be rejected")
	}
}

func TestStoreClearReturnsEverything(t *testing.T) {
	store := NewStore()
	store.Upsert(KindModule, 1, NewSnapshot(KindModule, 1, "module-loopback"))
	store.Upsert(KindSinkInput, 2, NewSnapshot(KindSinkInput, 2, "stream"))

	removed := store.Clear()
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed entities, got %d", len(removed))
	}
	if store.Total() != 0 {
		t.Fatalf("expected empty store, got %d", store.Total())
	}
	if _, ok := store.Find(KindModule, 1); ok {
		t.Fatalf("expected module index cleared")
	}
}

func TestStoreRows(t *testing.T) {
	store := NewStore()
	a, _ := store.Upsert(KindModule, 1, NewSnapshot(KindModule, 1, "a"))
	b, _ := store.Upsert(KindClient, 2, NewSnapshot(KindClient, 2, "b"))
	a.Placement.Row = 0
	b.Placement.Row = 2

	if row := store.FreeRow(ColumnBlocks); row != 1 {
		t.Fatalf("expected free row 1, got %d", row)
	}
	if row := store.FreeRow(ColumnSinks); row != 0 {
		t.Fatalf("expected free row 0 in an empty column, got %d", row)
	}
	if e, ok := store.AtRow(ColumnBlocks, 2); !ok || e != b {
		t.Fatalf("expected client at row 2, got %+v", e)
	}
}
