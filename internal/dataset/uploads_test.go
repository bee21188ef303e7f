package dataset

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestUploadRoundTrip(t *testing.T) {
	store, err := NewUploadStore(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	fileID, err := store.Save(strings.NewReader("a,b\n1,2\n"), "data.csv")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(fileID, "file_") {
		t.Errorf("fileID = %q", fileID)
	}

	f, err := store.Open(fileID)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "a,b\n1,2\n" {
		t.Errorf("content = %q", got)
	}
}

func TestUploadSizeCap(t *testing.T) {
	store, err := NewUploadStore(t.TempDir(), 10)
	if err != nil {
		t.Fatal(err)
	}

	_, err = store.Save(strings.NewReader("this is more than ten bytes"), "big.csv")
	if !errors.Is(err, ErrUploadTooLarge) {
		t.Fatalf("got %v, want ErrUploadTooLarge", err)
	}
}

func TestUploadOpenRejectsTraversal(t *testing.T) {
	store, err := NewUploadStore(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"../etc/passwd", "a/b", "..", ""} {
		if _, err := store.Open(id); !errors.Is(err, ErrUploadNotFound) {
			t.Errorf("Open(%q) = %v, want ErrUploadNotFound", id, err)
		}
	}
}

func TestUploadOpenUnknown(t *testing.T) {
	store, err := NewUploadStore(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Open("file_missing"); !errors.Is(err, ErrUploadNotFound) {
		t.Errorf("got %v, want ErrUploadNotFound", err)
	}
}

func TestUploadRemove(t *testing.T) {
	store, err := NewUploadStore(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	fileID, err := store.Save(strings.NewReader("x"), "x.csv")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Remove(fileID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Open(fileID); !errors.Is(err, ErrUploadNotFound) {
		t.Error("removed upload must not open")
	}
	if err := store.Remove(fileID); err != nil {
		t.Error("removing a missing upload is not an error")
	}
}
