package collab

import (
	"errors"
	"testing"

	"collabSync/backend/internal/ot/delta"
)

func TestPieceTable_BasicString(t *testing.T) {
	pt := NewPieceTable("Hello world")
	if got := pt.String(); got != "Hello world" {
		t.Fatalf("String() = %q, want %q", got, "Hello world")
	}
	if got := pt.Len(); got != 11 {
		t.Fatalf("Len() = %d, want %d", got, 11)
	}
}

func TestPieceTable_InsertMiddle(t *testing.T) {
	pt := NewPieceTable("Hello world")
	d := delta.NewBuilder().Retain(5, nil).Insert(" collaborative", nil).Build()
	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got, want := pt.String(), "Hello collaborative world"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_DeleteAcrossPieces(t *testing.T) {
	pt := NewPieceTable("Hello world")
	// "Hello" + "中文" + " world"
	if err := pt.Apply(delta.NewBuilder().Retain(5, nil).Insert("中文", nil).Build()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	// 删掉 "lo中文 w"
	if err := pt.Apply(delta.NewBuilder().Retain(3, nil).Delete(6).Build()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got, want := pt.String(), "Helorld"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if got := pt.Len(); got != 7 {
		t.Fatalf("Len() = %d, want 7", got)
	}
}

func TestPieceTable_IgnoresFormatting(t *testing.T) {
	pt := NewPieceTable("abc\n")
	if err := pt.Apply(delta.NewBuilder().Retain(3, delta.Attributes{delta.AttrBold: true}).Build()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := pt.String(); got != "abc\n" {
		t.Fatalf("String() = %q", got)
	}
}

func TestPieceTable_LengthMismatch(t *testing.T) {
	pt := NewPieceTable("abc")
	err := pt.Apply(delta.NewBuilder().Retain(2, nil).Delete(5).Build())
	if !errors.Is(err, delta.ErrLengthMismatch) {
		t.Fatalf("Apply() error = %v, want ErrLengthMismatch", err)
	}
	if got := pt.String(); got != "abc" {
		t.Fatalf("String() = %q, text changed on failure", got)
	}
}

func TestPieceTable_MatchesDeltaContent(t *testing.T) {
	content := delta.Initial()
	pt := NewPieceTable(content.PlainText())
	edits := []delta.Delta{
		delta.NewBuilder().Insert("hello", nil).Build(),
		delta.NewBuilder().Retain(5, nil).Insert(" world", nil).Build(),
		delta.NewBuilder().Retain(2, nil).Delete(5).Insert("XY", nil).Build(),
		delta.NewBuilder().Retain(8, nil).Insert("!", nil).Build(),
	}
	for _, e := range edits {
		next, err := delta.Apply(content, e)
		if err != nil {
			t.Fatalf("delta.Apply() error = %v", err)
		}
		content = next
		if err := pt.Apply(e); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if got, want := pt.String(), content.PlainText(); got != want {
			t.Fatalf("String() = %q, want %q", got, want)
		}
	}
}
