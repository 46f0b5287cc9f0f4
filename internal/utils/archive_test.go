package utils

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestArchiveRoundTrip(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"log/pipeline.log":                 "done\n",
		"output/sub-0001/anat/T1w.nii.gz":  "nifti",
		"output/sub-0001/func/bold.nii.gz": "more nifti",
	}
	var total int64
	for name, content := range files {
		p := filepath.Join(src, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		total += int64(len(content))
	}
	if err := os.MkdirAll(filepath.Join(src, "working"), 0755); err != nil {
		t.Fatal(err)
	}

	archive := filepath.Join(t.TempDir(), "archives", "0001.tar.gz")
	written, err := ArchiveDirectory(context.Background(), src, archive)
	if err != nil {
		t.Fatalf("ArchiveDirectory() failed: %v", err)
	}
	if written != total {
		t.Errorf("written = %d, want %d", written, total)
	}

	dst := t.TempDir()
	if err := ExtractArchive(archive, dst); err != nil {
		t.Fatalf("ExtractArchive() failed: %v", err)
	}
	for name, content := range files {
		got, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(name)))
		if err != nil || string(got) != content {
			t.Errorf("%s = %q, %v; want %q", name, got, err, content)
		}
	}
	if err := ValidateDirectory(filepath.Join(dst, "working")); err != nil {
		t.Errorf("Empty directory not restored: %v", err)
	}
}

func TestArchiveDirectoryErrors(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(t.TempDir(), "out.tar.gz")

	if _, err := ArchiveDirectory(context.Background(), file, target); err == nil {
		t.Error("Expected an error for a non-directory source")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}
	partial := filepath.Join(t.TempDir(), "partial.tar.gz")
	if _, err := ArchiveDirectory(ctx, src, partial); err == nil {
		t.Error("Expected a canceled context to abort archiving")
	}
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Errorf("Partial archive left behind: %v", err)
	}
}

func TestExtractArchiveRejectsTraversal(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil.tar.gz")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	body := []byte("owned")
	if err := tw.WriteHeader(&tar.Header{Name: "../../escape.txt", Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	tw.Write(body)
	tw.Close()
	gz.Close()
	f.Close()

	dst := filepath.Join(t.TempDir(), "dst")
	if err := ExtractArchive(archive, dst); err == nil {
		t.Error("Expected traversal to be rejected")
	}
}
