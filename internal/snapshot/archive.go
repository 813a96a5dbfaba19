package snapshot

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxArchiveFile caps a single extracted file
var maxArchiveFile int64 = 512 << 20

// ArchiveDir packs a browser profile directory into an uncompressed tar.
// Compression happens once, in Encode.
func ArchiveDir(source string) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			// sockets and lock symlinks chrome leaves behind
			return nil
		}

		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to archive %s: %w", source, err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to archive %s: %w", source, err)
	}
	return buf.Bytes(), nil
}

// ExtractArchive unpacks a tar produced by ArchiveDir into target. Entries that
// would escape target are rejected.
func ExtractArchive(data []byte, target string) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}

	tr := tar.NewReader(bytes.NewReader(data))
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		name := filepath.Clean(filepath.FromSlash(header.Name))
		if filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%w: entry %q escapes target", ErrCorrupted, header.Name)
		}
		path := filepath.Join(target, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if header.Size > maxArchiveFile {
				return fmt.Errorf("%w: entry %q is %d bytes, limit %d", ErrCorrupted, header.Name, header.Size, maxArchiveFile)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := writeFile(path, tr, header.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		}
	}
}

func writeFile(path string, r io.Reader, perm os.FileMode) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o600)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(r, maxArchiveFile+1))
	if err != nil {
		out.Close()
		return err
	}
	if n > maxArchiveFile {
		out.Close()
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrCorrupted, path, maxArchiveFile)
	}
	return out.Close()
}
