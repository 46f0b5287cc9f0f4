package utils

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ArchiveDirectory writes the contents of dirPath to a tar.gz archive at
// targetPath and returns the number of file bytes archived. The archive is
// written to a temporary file first, so targetPath never holds a partial
// archive. Symlinks are stored as links, not followed.
func ArchiveDirectory(ctx context.Context, dirPath, targetPath string) (int64, error) {
	info, err := os.Stat(dirPath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat source: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("%s is not a directory", dirPath)
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create archive directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(targetPath), ".archive-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	gzipWriter := gzip.NewWriter(tmp)
	tarWriter := tar.NewWriter(gzipWriter)

	written, walkErr := archiveTree(ctx, dirPath, tarWriter)

	// Close in order; the first error wins
	err = errors.Join(walkErr, tarWriter.Close(), gzipWriter.Close(), tmp.Close())
	if err != nil {
		return 0, err
	}

	if err := os.Rename(tmp.Name(), targetPath); err != nil {
		return 0, fmt.Errorf("failed to move archive into place: %w", err)
	}
	return written, nil
}

func archiveTree(ctx context.Context, dirPath string, tarWriter *tar.Writer) (int64, error) {
	var written int64
	err := filepath.Walk(dirPath, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(dirPath, filePath)
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}
		if relPath == "." {
			return nil
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(filePath); err != nil {
				return fmt.Errorf("failed to read link %s: %w", relPath, err)
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("failed to create tar header: %w", err)
		}
		header.Name = filepath.ToSlash(relPath)
		if info.IsDir() {
			header.Name += "/"
		}

		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header: %w", err)
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		file, err := os.Open(filePath)
		if err != nil {
			return fmt.Errorf("failed to open file: %w", err)
		}
		defer file.Close()

		n, err := io.Copy(tarWriter, file)
		if err != nil {
			return fmt.Errorf("failed to write file content: %w", err)
		}
		written += n
		return nil
	})
	return written, err
}

// ExtractArchive unpacks a tar.gz archive into targetDir. Entries that would
// land outside targetDir are rejected.
func ExtractArchive(archivePath, targetDir string) error {
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	gzipReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzipReader.Close()

	root, err := filepath.Abs(targetDir)
	if err != nil {
		return err
	}

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar header: %w", err)
		}

		targetPath := filepath.Join(root, filepath.FromSlash(header.Name))
		if targetPath != root && !strings.HasPrefix(targetPath, root+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes %s", header.Name, targetDir)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return fmt.Errorf("failed to create parent directory: %w", err)
			}
			if err := os.Symlink(header.Linkname, targetPath); err != nil {
				return fmt.Errorf("failed to create link: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return fmt.Errorf("failed to create parent directory: %w", err)
			}
			if err := extractFile(tarReader, targetPath, os.FileMode(header.Mode).Perm()); err != nil {
				return err
			}
		}
	}
}

func extractFile(r io.Reader, targetPath string, mode os.FileMode) error {
	targetFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(targetFile, r); err != nil {
		targetFile.Close()
		return fmt.Errorf("failed to write file content: %w", err)
	}
	return targetFile.Close()
}
