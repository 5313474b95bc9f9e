package mx

import (
	"testing"

	"github.com/pkg/errors"
)

func TestHandleInvalidClose(t *testing.T) {
	if err := HandleInvalid.Close(); errors.Cause(err) != ErrBadHandle {
		t.Fatalf("expected ErrBadHandle, got %v", err)
	}
}

func TestHandleDoubleClose(t *testing.T) {
	h, err := VMOCreate(PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); errors.Cause(err) != ErrBadHandle {
		t.Fatalf("expected ErrBadHandle, got %v", err)
	}
}

func TestHandleDuplicate(t *testing.T) {
	h, err := VMOCreate(PageSize)
	if err != nil {
		t.Fatal(err)
	}
	dup, err := h.Duplicate(RightSameRights)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	// The duplicate survives the original.
	if _, err := VMOOf(dup); err != nil {
		t.Fatal(err)
	}
	if err := dup.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestHandleDuplicateClosed(t *testing.T) {
	h, err := VMOCreate(PageSize)
	if err != nil {
		t.Fatal(err)
	}
	h.Close()
	if _, err := h.Duplicate(RightSameRights); errors.Cause(err) != ErrBadHandle {
		t.Fatalf("expected ErrBadHandle, got %v", err)
	}
}

func TestHandleWrongType(t *testing.T) {
	h, err := VMOCreate(PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	if _, err := ProcessOf(h); errors.Cause(err) != ErrWrongType {
		t.Fatalf("expected ErrWrongType, got %v", err)
	}
}

func TestCloseAll(t *testing.T) {
	h, err := VMOCreate(PageSize)
	if err != nil {
		t.Fatal(err)
	}
	// Tolerates invalid sentinels mixed in.
	CloseAll(HandleInvalid, h, HandleInvalid)
	if _, err := VMOOf(h); errors.Cause(err) != ErrBadHandle {
		t.Fatalf("expected ErrBadHandle, got %v", err)
	}
}
