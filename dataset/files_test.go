package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"gorgonia.org/tensor"
)

func writeListing(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write listing: %v", err)
	}
	return path
}

func TestTensorFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "img.json")

	orig := tensor.New(tensor.WithShape(1, 2, 3), tensor.WithBacking([]float32{1, 2, 3, 4, 5, 6}))
	if err := SaveTensor(path, orig); err != nil {
		t.Fatalf("SaveTensor failed: %v", err)
	}

	loaded, err := LoadTensor(path)
	if err != nil {
		t.Fatalf("LoadTensor failed: %v", err)
	}
	if !loaded.Shape().Eq(tensor.Shape{1, 2, 3}) {
		t.Errorf("expected shape (1, 2, 3), got %v", loaded.Shape())
	}
	got := loaded.Data().([]float32)
	for i, want := range []float32{1, 2, 3, 4, 5, 6} {
		if got[i] != want {
			t.Errorf("value %d: got %f, want %f", i, got[i], want)
		}
	}
}

func TestLoadTensorRejectsBadShape(t *testing.T) {
	dir := t.TempDir()
	path := writeListing(t, dir, "bad.json", `{"shape":[2,2],"data":[1,2,3]}`)
	if _, err := LoadTensor(path); err == nil {
		t.Error("expected error for shape/data mismatch")
	}
}

func TestFileSegDataset(t *testing.T) {
	dir := t.TempDir()

	img := tensor.New(tensor.WithShape(1, 4), tensor.WithBacking([]float32{0.1, 0.2, 0.3, 0.4}))
	lab := tensor.New(tensor.WithShape(2, 4), tensor.WithBacking([]float32{1, 1, 0, 0, 0, 0, 1, 1}))
	if err := SaveTensor(filepath.Join(dir, "case0_img.json"), img); err != nil {
		t.Fatalf("SaveTensor failed: %v", err)
	}
	if err := SaveTensor(filepath.Join(dir, "case0_lab.json"), lab); err != nil {
		t.Fatalf("SaveTensor failed: %v", err)
	}
	if err := SaveTensor(filepath.Join(dir, "case1_img.json"), img); err != nil {
		t.Fatalf("SaveTensor failed: %v", err)
	}

	listing := writeListing(t, dir, "train.csv",
		"image,label\ncase0_img.json,case0_lab.json\ncase1_img.json\n")

	ds, err := NewFileSegDataset(dir, listing)
	if err != nil {
		t.Fatalf("NewFileSegDataset failed: %v", err)
	}
	if ds.Len() != 2 {
		t.Fatalf("expected 2 samples, got %d", ds.Len())
	}

	labeled, err := ds.Get(0)
	if err != nil {
		t.Fatalf("Get(0) failed: %v", err)
	}
	if labeled.Label == nil {
		t.Error("expected first sample to be labeled")
	}
	if !labeled.Image.Shape().Eq(tensor.Shape{1, 4}) {
		t.Errorf("unexpected image shape %v", labeled.Image.Shape())
	}

	unlabeled, err := ds.Get(1)
	if err != nil {
		t.Fatalf("Get(1) failed: %v", err)
	}
	if unlabeled.Label != nil {
		t.Error("expected second sample to be unlabeled")
	}

	if _, err := ds.Get(2); err == nil {
		t.Error("expected out-of-range error")
	}
}

func TestFileSegDatasetRejectsEmptyListing(t *testing.T) {
	dir := t.TempDir()
	listing := writeListing(t, dir, "empty.csv", "image,label\n")
	if _, err := NewFileSegDataset(dir, listing); err == nil {
		t.Error("expected error for a listing with no sample rows")
	}
}
