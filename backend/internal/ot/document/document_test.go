package document

import (
	"errors"
	"testing"
	"time"

	"collabSync/backend/internal/ot/delta"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func newDoc(t *testing.T, c *fakeClock) *Document {
	t.Helper()
	return New(WithClock(c.Now))
}

func mustInsert(t *testing.T, d *Document, index int, text string) delta.Delta {
	t.Helper()
	edit, err := d.Insert(index, text)
	if err != nil {
		t.Fatalf("Insert(%d, %q) error = %v", index, text, err)
	}
	return edit
}

func TestInsert(t *testing.T) {
	d := newDoc(t, newClock())
	edit := mustInsert(t, d, 0, "abc")
	if want := `[{"insert":"abc"}]`; edit.JSON() != want {
		t.Fatalf("Insert() edit = %s, want %s", edit, want)
	}
	edit = mustInsert(t, d, 3, "123")
	if want := `[{"retain":3},{"insert":"123"}]`; edit.JSON() != want {
		t.Fatalf("Insert() edit = %s, want %s", edit, want)
	}
	if got := d.Text(); got != "abc123\n" {
		t.Fatalf("Text() = %q, want %q", got, "abc123\n")
	}
}

func TestInsert_OutOfRange(t *testing.T) {
	d := newDoc(t, newClock())
	if _, err := d.Insert(5, "x"); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("Insert() error = %v, want ErrIndexOutOfRange", err)
	}
	if _, err := d.Delete(NewInterval(0, 3)); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("Delete() error = %v, want ErrIndexOutOfRange", err)
	}
}

func TestInsert_InheritsInlineStyle(t *testing.T) {
	content := delta.NewBuilder().
		Insert("ab", delta.Attributes{delta.AttrBold: true, delta.AttrLink: "https://x"}).
		Insert("\n", delta.Attributes{delta.AttrHeader: 1}).
		Build()
	d, err := NewWithContent(content)
	if err != nil {
		t.Fatalf("NewWithContent() error = %v", err)
	}
	edit := mustInsert(t, d, 2, "c")
	want := `[{"retain":2},{"insert":"c","attributes":{"bold":true}}]`
	if edit.JSON() != want {
		t.Fatalf("Insert() edit = %s, want %s", edit, want)
	}

	// 插在结尾换行之前，块级样式留在原来的换行上
	edit = mustInsert(t, d, 4, "z")
	if want := `[{"retain":3},{"insert":"z","attributes":{"bold":true}}]`; edit.JSON() != want {
		t.Fatalf("Insert() edit = %s, want %s", edit, want)
	}
}

func TestEdits_KeepFinalNewline(t *testing.T) {
	d := newDoc(t, newClock())
	mustInsert(t, d, 0, "abc")

	edit, err := d.Delete(NewInterval(2, 4))
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if want := `[{"retain":2},{"delete":1}]`; edit.JSON() != want {
		t.Fatalf("Delete() edit = %s, want %s", edit, want)
	}

	edit, err = d.Replace(NewInterval(2, 3), "xy")
	if err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if want := `[{"retain":2},{"insert":"xy"}]`; edit.JSON() != want {
		t.Fatalf("Replace() edit = %s, want %s", edit, want)
	}
	if got := d.Text(); got != "abxy\n" {
		t.Fatalf("Text() = %q, want %q", got, "abxy\n")
	}

	for name, bad := range map[string]delta.Delta{
		"insert after": delta.NewBuilder().Retain(5, nil).Insert("z", nil).Build(),
		"delete last":  delta.NewBuilder().Retain(4, nil).Delete(1).Build(),
		"delete all":   delta.NewBuilder().Delete(5).Insert("\n", nil).Build(),
	} {
		if _, err := d.ComposeLocal(bad); !errors.Is(err, ErrIndexOutOfRange) {
			t.Fatalf("ComposeLocal(%s) error = %v, want ErrIndexOutOfRange", name, err)
		}
	}
	if got := d.Text(); got != "abxy\n" {
		t.Fatalf("document changed by rejected edit: %q", got)
	}

	// 撤销到底，内容回到初始的单个换行
	for d.CanUndo() {
		if _, err := d.Undo(); err != nil {
			t.Fatalf("Undo() error = %v", err)
		}
	}
	if !d.IsEmpty() {
		t.Fatalf("after undoing everything JSON() = %s", d.JSON())
	}
}

func TestDelete_KeepsTrailingNewline(t *testing.T) {
	d := newDoc(t, newClock())
	mustInsert(t, d, 0, "abc")
	edit, err := d.Delete(NewInterval(0, 4))
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := d.Text(); got != "\n" {
		t.Fatalf("Text() = %q, want %q", got, "\n")
	}
	if !d.IsEmpty() {
		t.Fatalf("IsEmpty() = false after deleting everything, edit = %s", edit)
	}
}

func TestReplace(t *testing.T) {
	d := newDoc(t, newClock())
	mustInsert(t, d, 0, "hello world")
	if _, err := d.Replace(NewInterval(6, 11), "gopher"); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if got := d.Text(); got != "hello gopher\n" {
		t.Fatalf("Text() = %q", got)
	}
}

func TestFormat_BlockAttributesOnLineEnds(t *testing.T) {
	d := newDoc(t, newClock())
	mustInsert(t, d, 0, "ab\ncd")
	if _, err := d.Format(NewInterval(1, 4), delta.Attributes{delta.AttrHeader: 1}); err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	want := `[{"insert":"ab"},{"insert":"\n","attributes":{"header":1}},{"insert":"cd"},{"insert":"\n","attributes":{"header":1}}]`
	if got := d.JSON(); got != want {
		t.Fatalf("JSON() = %s, want %s", got, want)
	}
}

func TestFormat_InlineSkipsNewlines(t *testing.T) {
	d := newDoc(t, newClock())
	mustInsert(t, d, 0, "ab\ncd")
	if _, err := d.Format(NewInterval(1, 4), delta.Attributes{delta.AttrBold: true}); err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	want := `[{"insert":"a"},{"insert":"b","attributes":{"bold":true}},{"insert":"\n"},{"insert":"c","attributes":{"bold":true}},{"insert":"d\n"}]`
	if got := d.JSON(); got != want {
		t.Fatalf("JSON() = %s, want %s", got, want)
	}
}

func TestFormat_CursorLine(t *testing.T) {
	d := newDoc(t, newClock())
	mustInsert(t, d, 0, "ab\ncd")
	if _, err := d.Format(NewInterval(4, 4), delta.Attributes{delta.AttrAlign: "center"}); err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	want := `[{"insert":"ab\ncd"},{"insert":"\n","attributes":{"align":"center"}}]`
	if got := d.JSON(); got != want {
		t.Fatalf("JSON() = %s, want %s", got, want)
	}
}

func TestUndoRedo_GroupsWithinWindow(t *testing.T) {
	c := newClock()
	d := newDoc(t, c)
	mustInsert(t, d, 0, "abc")
	c.Advance(100 * time.Millisecond)
	mustInsert(t, d, 3, "d")

	if _, err := d.Undo(); err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if got := d.Text(); got != "\n" {
		t.Fatalf("after Undo Text() = %q, want %q", got, "\n")
	}
	if _, err := d.Redo(); err != nil {
		t.Fatalf("Redo() error = %v", err)
	}
	if got := d.Text(); got != "abcd\n" {
		t.Fatalf("after Redo Text() = %q, want %q", got, "abcd\n")
	}
}

func TestUndo_SeparateGroups(t *testing.T) {
	c := newClock()
	d := newDoc(t, c)
	mustInsert(t, d, 0, "abc")
	c.Advance(time.Second)
	mustInsert(t, d, 3, "d")
	c.Advance(10 * time.Millisecond)
	// 类型变化也会切分撤销组
	if _, err := d.Format(NewInterval(0, 1), delta.Attributes{delta.AttrBold: true}); err != nil {
		t.Fatalf("Format() error = %v", err)
	}

	steps := []string{"abcd\n", "abc\n", "\n"}
	for _, want := range steps {
		if _, err := d.Undo(); err != nil {
			t.Fatalf("Undo() error = %v", err)
		}
		if got := d.JSON(); got != delta.NewBuilder().Insert(want, nil).Build().JSON() {
			t.Fatalf("after Undo JSON() = %s, want text %q", got, want)
		}
	}
	if _, err := d.Undo(); !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("Undo() error = %v, want ErrNothingToUndo", err)
	}
}

func TestRedo_ClearedByNewEdit(t *testing.T) {
	d := newDoc(t, newClock())
	mustInsert(t, d, 0, "abc")
	if _, err := d.Undo(); err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	mustInsert(t, d, 0, "x")
	if _, err := d.Redo(); !errors.Is(err, ErrNothingToRedo) {
		t.Fatalf("Redo() error = %v, want ErrNothingToRedo", err)
	}
}

func TestComposeOperations_TransformsHistory(t *testing.T) {
	d := newDoc(t, newClock())
	mustInsert(t, d, 0, "abc")
	if err := d.ComposeOperations(delta.NewBuilder().Insert("XY", nil).Build()); err != nil {
		t.Fatalf("ComposeOperations() error = %v", err)
	}
	if got := d.Text(); got != "XYabc\n" {
		t.Fatalf("Text() = %q, want %q", got, "XYabc\n")
	}
	if _, err := d.Undo(); err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if got := d.Text(); got != "XY\n" {
		t.Fatalf("after Undo Text() = %q, want %q", got, "XY\n")
	}
}

func TestComposeOperations_LengthMismatch(t *testing.T) {
	d := newDoc(t, newClock())
	remote := delta.NewBuilder().Retain(10, nil).Insert("x", nil).Build()
	if err := d.ComposeOperations(remote); !errors.Is(err, delta.ErrLengthMismatch) {
		t.Fatalf("ComposeOperations() error = %v, want ErrLengthMismatch", err)
	}
	if got := d.Text(); got != "\n" {
		t.Fatalf("document changed on failure: %q", got)
	}
}

func TestSetOperations(t *testing.T) {
	d := newDoc(t, newClock())
	mustInsert(t, d, 0, "abc")
	if err := d.SetOperations(delta.NewBuilder().Insert("xyz", nil).Build()); err != nil {
		t.Fatalf("SetOperations() error = %v", err)
	}
	if got := d.Text(); got != "xyz\n" {
		t.Fatalf("Text() = %q, want %q", got, "xyz\n")
	}
	d.ClearHistory()
	if d.CanUndo() {
		t.Fatalf("CanUndo() = true after ClearHistory")
	}
}

func TestLoadingState(t *testing.T) {
	d := NewLoading()
	if _, err := d.Insert(0, "a"); !errors.Is(err, ErrDocumentNotReady) {
		t.Fatalf("Insert() error = %v, want ErrDocumentNotReady", err)
	}
	if err := d.Load(delta.NewBuilder().Insert("hi\n", nil).Build()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if d.State() != StateReady {
		t.Fatalf("State() = %s, want ready", d.State())
	}
	d.Close()
	if _, err := d.Insert(0, "a"); !errors.Is(err, ErrDocumentNotReady) {
		t.Fatalf("Insert() after Close error = %v, want ErrDocumentNotReady", err)
	}
}

func TestFromJSON_RejectsNonInsert(t *testing.T) {
	if _, err := FromJSON(`[{"retain":3}]`); !errors.Is(err, delta.ErrCorruptOperation) {
		t.Fatalf("FromJSON() error = %v, want ErrCorruptOperation", err)
	}
	d, err := FromJSON(`[{"insert":"abc"}]`)
	if err != nil {
		t.Fatalf("FromJSON() error = %v", err)
	}
	if got := d.Text(); got != "abc\n" {
		t.Fatalf("Text() = %q, want %q", got, "abc\n")
	}
}

func TestMD5(t *testing.T) {
	a, b := New(), New()
	if a.MD5() != b.MD5() {
		t.Fatalf("MD5() differs for equal content")
	}
	mustInsert(t, a, 0, "x")
	if a.MD5() == b.MD5() {
		t.Fatalf("MD5() equal for different content")
	}
	if len(a.MD5()) != 32 {
		t.Fatalf("MD5() = %q, want 32 hex chars", a.MD5())
	}
}
