package zip

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"
)

func TestArchiveRoundTrip(t *testing.T) {
	raw, err := Archive([]Entry{
		{Filename: "image-01.png", Data: []byte("one")},
		{Filename: "prompt.txt", Data: []byte("a fox")},
	})
	if err != nil {
		t.Fatalf("Archive returned error: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	if len(zr.File) != 2 || zr.File[0].Name != "image-01.png" {
		t.Fatalf("unexpected entries: %d", len(zr.File))
	}
	rc, err := zr.File[1].Open()
	if err != nil {
		t.Fatalf("open entry: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "a fox" {
		t.Fatalf("content mismatch: got %q", data)
	}
}

func TestArchiveRejectsDuplicates(t *testing.T) {
	_, err := Archive([]Entry{{Filename: "a.png"}, {Filename: "a.png"}})
	if err == nil {
		t.Fatal("expected duplicate entry error")
	}
}
