package staging

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// MaterializeApp resolves an application's source — a zip file or a plain
// directory tree rooted at sourcePath — into appDir, ready for a buildpack
// to run against. A zip whose entries all share one top-level directory
// (the common GitHub-style "repo-v1.2.3/..." layout) has that prefix
// stripped so the buildpack sees the real app root; any other zip is
// extracted as-is. A directory source is copied in recursively,
// overwriting files already present in appDir.
func MaterializeApp(sourcePath, appDir string) error {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return fmt.Errorf("staging: app source %s: %w", sourcePath, err)
	}

	if info.IsDir() {
		return copyTree(sourcePath, appDir)
	}

	if looksLikeZip(sourcePath) {
		return extractZip(sourcePath, appDir)
	}

	return fmt.Errorf("staging: app source %s is neither a directory nor a zip archive", sourcePath)
}

func looksLikeZip(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	magic := make([]byte, 4)
	if n, err := f.Read(magic); err != nil || n < 4 {
		return false
	}
	return magic[0] == 'P' && magic[1] == 'K' && (magic[2] == 0x03 || magic[2] == 0x05 || magic[2] == 0x07)
}

// commonZipPrefix returns the single top-level directory component shared
// by every entry in files, or "" if entries disagree (or there is only one
// level of nesting already).
func commonZipPrefix(files []*zip.File) string {
	prefix := ""
	for i, f := range files {
		name := strings.TrimPrefix(f.Name, "/")
		parts := strings.SplitN(name, "/", 2)
		if len(parts) != 2 || parts[0] == "" {
			return ""
		}
		if i == 0 {
			prefix = parts[0]
		} else if parts[0] != prefix {
			return ""
		}
	}
	return prefix
}

func extractZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("staging: opening %s: %w", zipPath, err)
	}
	defer r.Close()

	prefix := commonZipPrefix(r.File)
	strip := ""
	if prefix != "" {
		strip = prefix + "/"
	}

	for _, f := range r.File {
		name := strings.TrimPrefix(f.Name, "/")
		name = strings.TrimPrefix(name, strip)
		if name == "" {
			continue
		}
		target := filepath.Join(destDir, name)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(filepath.Separator)) {
			return fmt.Errorf("staging: zip entry %q escapes destination directory", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("staging: creating %s: %w", target, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("staging: creating %s: %w", filepath.Dir(target), err)
		}
		if err := extractZipEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractZipEntry(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("staging: reading %s from archive: %w", f.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, f.Mode())
	if err != nil {
		return fmt.Errorf("staging: writing %s: %w", target, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("staging: extracting %s: %w", f.Name, err)
	}
	return nil
}

// copyTree recursively overwrites dst with src's contents, preserving file
// permissions. Symlinks are re-created as symlinks rather than followed.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("staging: reading symlink %s: %w", path, err)
			}
			os.Remove(target)
			if err := os.Symlink(link, target); err != nil {
				return fmt.Errorf("staging: recreating symlink %s: %w", target, err)
			}
		case info.IsDir():
			if err := os.MkdirAll(target, info.Mode().Perm()); err != nil {
				return fmt.Errorf("staging: creating %s: %w", target, err)
			}
		default:
			if err := copyFile(path, target, info.Mode()); err != nil {
				return err
			}
		}
		return nil
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("staging: reading %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("staging: writing %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("staging: copying %s to %s: %w", src, dst, err)
	}
	return nil
}
