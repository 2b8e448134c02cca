package delta

import "testing"

func TestComposeAttributes(t *testing.T) {
	a := Attributes{AttrBold: true, AttrColor: "red"}
	b := Attributes{AttrBold: nil, AttrItalic: true}

	kept := ComposeAttributes(a, b, true)
	want := Attributes{AttrBold: nil, AttrItalic: true, AttrColor: "red"}
	if !kept.Equal(want) {
		t.Fatalf("ComposeAttributes(keepNull) = %v, want %v", kept, want)
	}

	dropped := ComposeAttributes(a, b, false)
	want = Attributes{AttrItalic: true, AttrColor: "red"}
	if !dropped.Equal(want) {
		t.Fatalf("ComposeAttributes() = %v, want %v", dropped, want)
	}

	if got := ComposeAttributes(nil, nil, true); got != nil {
		t.Fatalf("ComposeAttributes(nil, nil) = %v, want nil", got)
	}
}

func TestTransformAttributes(t *testing.T) {
	a := Attributes{AttrBold: true}
	b := Attributes{AttrBold: false, AttrItalic: true}

	if got := TransformAttributes(a, b, false); !got.Equal(b) {
		t.Fatalf("TransformAttributes(priority=false) = %v, want %v", got, b)
	}
	want := Attributes{AttrItalic: true}
	if got := TransformAttributes(a, b, true); !got.Equal(want) {
		t.Fatalf("TransformAttributes(priority=true) = %v, want %v", got, want)
	}
}

func TestInvertAttributes(t *testing.T) {
	base := Attributes{AttrBold: true, AttrColor: "red"}
	attr := Attributes{AttrBold: nil, AttrItalic: true, AttrColor: "red"}

	got := InvertAttributes(attr, base)
	want := Attributes{AttrBold: true, AttrItalic: nil}
	if !got.Equal(want) {
		t.Fatalf("InvertAttributes() = %v, want %v", got, want)
	}
}

func TestAttributes_EqualNumbers(t *testing.T) {
	if !(Attributes{AttrHeader: 1}).Equal(Attributes{AttrHeader: float64(1)}) {
		t.Fatalf("int and float64 header should be equal")
	}
	if (Attributes{AttrHeader: 1}).Equal(Attributes{AttrHeader: 2}) {
		t.Fatalf("header 1 and 2 should differ")
	}
}

func TestAttributes_Split(t *testing.T) {
	block, inline := Attributes{AttrHeader: 1, AttrBold: true, AttrAlign: "center"}.Split()
	if len(block) != 2 || len(inline) != 1 {
		t.Fatalf("Split() = %v / %v", block, inline)
	}
	if !IsBlockAttribute(AttrCodeBlock) || IsBlockAttribute(AttrInlineCode) {
		t.Fatalf("IsBlockAttribute misclassified code attributes")
	}
}
