package version

import (
	"context"
	"testing"

	"github.com/evolu-go/evolu/internal/clock"
	"github.com/evolu-go/evolu/internal/crdtmsg"
	"github.com/evolu-go/evolu/internal/schema"
	"github.com/evolu-go/evolu/internal/storage"
	"github.com/evolu-go/evolu/internal/storage/sqlite"
)

func newTestStore(t *testing.T) (*sqlite.Store, *Store) {
	t.Helper()
	ctx := context.Background()
	sq, err := sqlite.New(":memory:", schema.NewRegistry())
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	if err := sq.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := sq.DefineTable(ctx, storage.TableDef{Name: "todos", Columns: []string{"title"}}); err != nil {
		t.Fatalf("DefineTable: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return sq, NewStore(sq.DB())
}

func testRowID(b byte) crdtmsg.RowID {
	var id crdtmsg.RowID
	id[0] = b
	return id
}

func TestGetHistoryOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	sq, v := newTestStore(t)
	id := testRowID(1)

	for i, val := range []string{"a", "b", "c"} {
		_, err := sq.ApplyMutation(ctx, crdtmsg.CrdtMessage{
			Timestamp: clock.Timestamp{Millis: uint64(i + 1), Node: clock.NodeID{1}},
			Change:    crdtmsg.DbChange{Table: "todos", ID: id, Column: "title", Value: val},
		})
		if err != nil {
			t.Fatalf("ApplyMutation: %v", err)
		}
	}

	history, err := v.GetHistory(ctx, "todos", id, "title")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(history))
	}
	if history[0].Value != "c" || history[2].Value != "a" {
		t.Errorf("expected newest-first ordering, got %+v", history)
	}
}

func TestGetValueAtReturnsWinnerAtOrBeforeTimestamp(t *testing.T) {
	ctx := context.Background()
	sq, v := newTestStore(t)
	id := testRowID(1)

	writes := []struct {
		millis uint64
		value  string
	}{{10, "a"}, {20, "b"}, {30, "c"}}
	for _, w := range writes {
		_, err := sq.ApplyMutation(ctx, crdtmsg.CrdtMessage{
			Timestamp: clock.Timestamp{Millis: w.millis, Node: clock.NodeID{1}},
			Change:    crdtmsg.DbChange{Table: "todos", ID: id, Column: "title", Value: w.value},
		})
		if err != nil {
			t.Fatalf("ApplyMutation: %v", err)
		}
	}

	got, err := v.GetValueAt(ctx, "todos", id, "title", clock.Timestamp{Millis: 25, Node: clock.NodeID{1}})
	if err != nil {
		t.Fatalf("GetValueAt: %v", err)
	}
	if got.Value != "b" {
		t.Errorf("expected value as of millis=25 to be %q, got %v", "b", got.Value)
	}
}

func TestGetValueAtBeforeAnyWriteErrors(t *testing.T) {
	ctx := context.Background()
	_, v := newTestStore(t)
	id := testRowID(1)

	_, err := v.GetValueAt(ctx, "todos", id, "title", clock.Timestamp{Millis: 5, Node: clock.NodeID{1}})
	if err == nil {
		t.Error("expected an error when no version exists before the given timestamp")
	}
}

func TestGetVersionCount(t *testing.T) {
	ctx := context.Background()
	sq, v := newTestStore(t)
	id := testRowID(1)

	count, err := v.GetVersionCount(ctx, "todos", id, "title")
	if err != nil {
		t.Fatalf("GetVersionCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 versions initially, got %d", count)
	}

	_, _ = sq.ApplyMutation(ctx, crdtmsg.CrdtMessage{
		Timestamp: clock.Timestamp{Millis: 1, Node: clock.NodeID{1}},
		Change:    crdtmsg.DbChange{Table: "todos", ID: id, Column: "title", Value: "x"},
	})
	_, _ = sq.ApplyMutation(ctx, crdtmsg.CrdtMessage{
		Timestamp: clock.Timestamp{Millis: 2, Node: clock.NodeID{1}},
		Change:    crdtmsg.DbChange{Table: "todos", ID: id, Column: "title", Value: "y"},
	})

	count, err = v.GetVersionCount(ctx, "todos", id, "title")
	if err != nil {
		t.Fatalf("GetVersionCount: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 versions, got %d", count)
	}
}

func TestComputeDiff(t *testing.T) {
	old := ColumnVersion{Timestamp: clock.Timestamp{Millis: 1}, Value: "a"}
	newV := ColumnVersion{Timestamp: clock.Timestamp{Millis: 2}, Value: "b"}

	diff := ComputeDiff(old, newV)
	if !diff.Changed {
		t.Error("expected Changed to be true for differing values")
	}

	same := ComputeDiff(old, old)
	if same.Changed {
		t.Error("expected Changed to be false comparing a version to itself")
	}
}
