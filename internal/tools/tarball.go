package tools

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// TarPacker builds the gzip-compressed archives that get uploaded.
type TarPacker struct{}

// Pack writes files into a tar.gz at archivePath. Entries are stored
// under their base names; callers keep frame names unique per item.
func (TarPacker) Pack(files []string, archivePath string) error {
	if len(files) == 0 {
		return fmt.Errorf("nothing to archive for %s", filepath.Base(archivePath))
	}
	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", archivePath, err)
	}
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	fail := func(err error) error {
		_ = tw.Close()
		_ = gz.Close()
		_ = out.Close()
		_ = os.Remove(archivePath)
		return err
	}

	for _, path := range files {
		if err := addFile(tw, path); err != nil {
			return fail(fmt.Errorf("archive %s: %w", filepath.Base(archivePath), err))
		}
	}

	if err := tw.Close(); err != nil {
		return fail(fmt.Errorf("finish tar stream: %w", err))
	}
	if err := gz.Close(); err != nil {
		return fail(fmt.Errorf("finish gzip stream: %w", err))
	}
	if err := out.Close(); err != nil {
		return fail(fmt.Errorf("close archive %s: %w", archivePath, err))
	}
	return nil
}

func addFile(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(path)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("copy %s into archive: %w", filepath.Base(path), err)
	}
	return nil
}
