package gateway

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var errUnsafePath = errors.New("invalid archive path")

// archiveDir writes src as a gzip-compressed tarball at dst and returns the
// size of the written file.
func archiveDir(src, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, err
	}
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
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

	closeErr := errors.Join(tw.Close(), gz.Close(), out.Close())
	if walkErr != nil || closeErr != nil {
		_ = os.Remove(dst)
		return 0, errors.Join(walkErr, closeErr)
	}
	info, err := os.Stat(dst)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// extractArchive unpacks a .tar.gz, .tgz or .zip file into dest.
func extractArchive(src, dest string) error {
	lower := strings.ToLower(src)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(src, dest)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return extractTarGz(src, dest)
	default:
		return fmt.Errorf("unsupported archive format: %s", filepath.Base(src))
	}
}

// safeTarget resolves an archive entry name below dest.
func safeTarget(dest, entry string) (string, error) {
	name := filepath.Clean(strings.TrimPrefix(filepath.FromSlash(entry), string(os.PathSeparator)))
	if name == "." || name == ".." || strings.HasPrefix(name, ".."+string(os.PathSeparator)) || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", errUnsafePath, entry)
	}
	target := filepath.Join(dest, name)
	if !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q", errUnsafePath, entry)
	}
	return target, nil
}

func extractTarGz(src, dest string) error {
	if err := os.MkdirAll(dest, 0o750); err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Name == "./" || hdr.Name == "." {
			continue
		}
		target, err := safeTarget(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("%w: absolute link %q", errUnsafePath, hdr.Linkname)
			}
			if _, err := safeTarget(dest, filepath.Join(filepath.Dir(hdr.Name), hdr.Linkname)); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

func extractZip(src, dest string) error {
	if err := os.MkdirAll(dest, 0o750); err != nil {
		return err
	}
	zr, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer zr.Close()
	for _, zf := range zr.File {
		target, err := safeTarget(dest, zf.Name)
		if err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		mode := zf.Mode().Perm()
		if mode == 0 {
			mode = 0o644
		}
		err = writeEntry(target, rc, mode)
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// payloadRoot descends into a lone top-level directory, the layout most
// release archives use.
func payloadRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("archive is empty")
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}

// replaceDir swaps the contents of current for those of staged. The previous
// tree is restored when the copy fails.
func replaceDir(current, staged string) error {
	previous := current + ".botctl-prev"
	_ = os.RemoveAll(previous)
	hadCurrent := true
	if err := os.Rename(current, previous); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to move aside %s: %w", current, err)
		}
		hadCurrent = false
	}
	if err := copyDir(staged, current); err != nil {
		_ = os.RemoveAll(current)
		if hadCurrent {
			if rbErr := os.Rename(previous, current); rbErr != nil {
				return fmt.Errorf("copy failed: %v; rollback failed: %w", err, rbErr)
			}
		}
		return fmt.Errorf("failed to install files: %w", err)
	}
	if hadCurrent {
		_ = os.RemoveAll(previous)
	}
	return nil
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			in, err := os.Open(path)
			if err != nil {
				return err
			}
			defer in.Close()
			return writeEntry(target, in, info.Mode().Perm())
		}
	})
}

// verifyChecksum checks archivePath against a sha256 listing. Both the
// "<hex>  <name>" listing format and a bare digest are accepted.
func verifyChecksum(checksumPath, archivePath, archiveName string) error {
	raw, err := os.ReadFile(checksumPath)
	if err != nil {
		return err
	}
	expected := ""
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		switch {
		case len(fields) == 1 && expected == "":
			expected = fields[0]
		case len(fields) >= 2 && strings.TrimPrefix(fields[1], "*") == archiveName:
			expected = fields[0]
		}
	}
	if expected == "" {
		return fmt.Errorf("checksum for %s not found", archiveName)
	}
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	if got := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(expected, got) {
		return fmt.Errorf("checksum mismatch for %s", archiveName)
	}
	return nil
}
