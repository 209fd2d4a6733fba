// Package atomicfile replaces files by writing a uniquely named temporary file
// and renaming it over the target.
package atomicfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
)

const dirMode = 0o700

type Options struct {
	// ScratchDir holds the temporary file. Empty means the target's directory.
	ScratchDir string
	// Prefix names the temporary file: <Prefix><uuid>.tmp.
	Prefix string
	Mode   os.FileMode
}

var rename = os.Rename

// Write atomically replaces path with data. When the scratch directory lives
// on another device the file is copied over the target instead, and the
// temporary file is removed on a best-effort basis.
func Write(path string, data []byte, opts Options) error {
	if opts.Mode == 0 {
		opts.Mode = 0o600
	}
	if opts.Prefix == "" {
		opts.Prefix = "." + filepath.Base(path) + "-"
	}

	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}
	scratch := opts.ScratchDir
	if scratch == "" {
		scratch = filepath.Dir(path)
	}
	if err := os.MkdirAll(scratch, dirMode); err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}

	tempName := filepath.Join(scratch, opts.Prefix+uuid.NewString()+".tmp")
	tempFile, err := os.OpenFile(tempName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, opts.Mode)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := rename(tempName, path); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
		}
		if err := copyFile(tempName, path, opts.Mode); err != nil {
			return fmt.Errorf("copy %s across devices: %w", filepath.Base(path), err)
		}
		return nil
	}

	cleanup = false

	if err := os.Chmod(path, opts.Mode); err != nil {
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}

	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
