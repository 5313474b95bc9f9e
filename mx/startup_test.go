package mx

import "testing"

func TestStartupStash(t *testing.T) {
	const tag = 0x7f
	vmo, err := VMOCreate(PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if old := SetStartupHandle(tag, vmo); old.IsValid() {
		t.Fatalf("unexpected previous handle under tag %#x", tag)
	}
	vmo2, err := VMOCreate(PageSize)
	if err != nil {
		t.Fatal(err)
	}
	prev := SetStartupHandle(tag, vmo2)
	if prev != vmo {
		t.Fatal("swap did not return the previous handle")
	}
	if err := prev.Close(); err != nil {
		t.Fatal(err)
	}
	got := TakeStartupHandle(tag)
	if got != vmo2 {
		t.Fatal("take returned the wrong handle")
	}
	if err := got.Close(); err != nil {
		t.Fatal(err)
	}
	if TakeStartupHandle(tag).IsValid() {
		t.Fatal("take did not empty the stash")
	}
}
