package fetch

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// unpackDaily extracts the hourly files of a gzip-compressed daily tar into dir.
func unpackDaily(r io.Reader, dir string) ([]string, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close()
	return untar(zr, dir)
}

// unpackDailyFile is unpackDaily over a file on disk. The archive is deleted
// once its members are extracted.
func unpackDailyFile(archive, dir string) ([]string, error) {
	f, err := os.Open(archive)
	if err != nil {
		return nil, err
	}
	files, err := unpackDaily(f, dir)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", filepath.Base(archive), err)
	}
	if err := os.Remove(archive); err != nil {
		return nil, fmt.Errorf("remove %s: %w", filepath.Base(archive), err)
	}
	return files, nil
}

// untar writes the regular .asc members of a tar stream into dir. Member
// names are reduced to their base name. It returns the written paths, sorted.
func untar(r io.Reader, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	var files []string
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.Base(hdr.Name)
		if !strings.HasSuffix(name, ".asc") {
			continue
		}
		path := filepath.Join(dir, name)
		if err := writeFile(path, tr); err != nil {
			return nil, err
		}
		files = append(files, path)
	}
	slices.Sort(files)
	return files, nil
}

func writeFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
