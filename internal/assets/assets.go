package assets

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

var ErrAssetNotFound = errors.New("asset not found")

// Materialize copies the bundled asset name from src into destDir and returns
// the absolute destination path. A non-empty file already at the destination
// is reused as-is.
func Materialize(src fs.FS, name, destDir string) (string, error) {
	dest, err := filepath.Abs(filepath.Join(destDir, filepath.FromSlash(name)))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", name, err)
	}
	if info, err := os.Stat(dest); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
		return dest, nil
	}

	in, err := src.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrAssetNotFound, name)
		}
		return "", fmt.Errorf("open asset %s: %w", name, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Dir(dest), err)
	}

	// write next to the destination and rename so readers never see a partial file
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return "", fmt.Errorf("materialize %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return "", fmt.Errorf("copy %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("copy %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("materialize %s: %w", name, err)
	}
	return dest, nil
}

// ReadAsset returns the full contents of a bundled asset.
func ReadAsset(src fs.FS, name string) ([]byte, error) {
	data, err := fs.ReadFile(src, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, name)
		}
		return nil, fmt.Errorf("read asset %s: %w", name, err)
	}
	return data, nil
}
