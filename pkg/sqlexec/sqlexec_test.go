package sqlexec

import "testing"

func TestWrapLimit(t *testing.T) {
	got := wrapLimit("  select * from orders;  ", 500)
	want := "SELECT * FROM (select * from orders) AS preview LIMIT 500"
	if got != want {
		t.Fatalf("wrapLimit = %q, want %q", got, want)
	}
}

func TestTruncate(t *testing.T) {
	r := &Result{
		Columns: []Column{{Name: "id", Type: "int4"}},
		Rows:    [][]any{{1}, {2}, {3}},
	}
	if got := r.Truncate(2); len(got.Rows) != 2 {
		t.Fatalf("Truncate(2) kept %d rows", len(got.Rows))
	}
	if len(r.Rows) != 3 {
		t.Fatal("Truncate must not modify the receiver")
	}
	if got := r.Truncate(10); got != r {
		t.Fatal("Truncate above length should return the receiver")
	}
	if got := r.Truncate(0); got != r {
		t.Fatal("Truncate(0) means no limit")
	}
}
