package replayer

import (
	"reflect"
	"testing"

	"github.com/funnyzak/viewaudit/internal/couch"
)

func TestMultisetDifference(t *testing.T) {
	eq := func(x, y string) bool { return x == y }
	tests := []struct {
		name string
		a, b []string
		want []string
	}{
		{"empty", nil, nil, nil},
		{"identical", []string{"a", "b"}, []string{"b", "a"}, nil},
		{"missing one", []string{"a", "b", "c"}, []string{"a", "c"}, []string{"b"}},
		{"duplicates counted", []string{"a", "a", "b"}, []string{"a", "b"}, []string{"a"}},
		{"extra in b ignored", []string{"a"}, []string{"a", "z"}, nil},
		{"order kept", []string{"c", "x", "b", "y"}, []string{"x", "y"}, []string{"c", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MultisetDifference(tt.a, tt.b, eq)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestMultisetDifferenceRows(t *testing.T) {
	prod := []couch.Row{
		{ID: "a", Key: []any{"abby"}, Value: "false false 3 abby"},
		{ID: "b", Key: []any{"abc"}, Value: "false false 3 abc"},
	}
	next := []couch.Row{
		{ID: "a", Key: []any{"abby"}, Value: "false false 3 abby"},
	}
	diff := MultisetDifference(prod, next, rowsEqual)
	if len(diff) != 1 || diff[0].ID != "b" {
		t.Fatalf("expected row b in diff, got %#v", diff)
	}
	if got := MultisetDifference(next, prod, rowsEqual); len(got) != 0 {
		t.Fatalf("expected no rows, got %#v", got)
	}
}
