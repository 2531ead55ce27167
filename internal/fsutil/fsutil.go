package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var tileExts = map[string]struct{}{
	".tif":  {},
	".tiff": {},
}

// ListTiles returns all TIFF files under root, sorted.
func ListTiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsTIFF(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsTIFF checks the file extension.
func IsTIFF(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := tileExts[ext]
	return ok
}
