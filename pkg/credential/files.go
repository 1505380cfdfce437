// Copyright 2024-2026 Aiku AI

package credential

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
)

const fileMode = 0o600

// AccountDir returns the credential directory of one account.
func AccountDir(root string, id int64) string {
	return filepath.Join(root, strconv.FormatInt(id, 10))
}

// dirExists reports whether path is an existing directory. Any stat error
// other than "does not exist" is returned.
func dirExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}
