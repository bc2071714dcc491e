package util

import (
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-cascade/images"
)

// ListImageIDs returns the ids of every file in dir that follows the naming
// convention of format, in ascending order. Other files and directories are
// ignored.
//
// Arguments:
// - dir: Directory path containing image files.
// - format: The dataset naming convention.
//
// Returns:
// - []int: The sorted image ids.
// - error: Error if the directory cannot be read.
func ListImageIDs(dir string, format images.Format) ([]int, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list images in %s", dir)
	}

	var ids []int
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if id, ok := format.ParseID(file.Name()); ok {
			ids = append(ids, id)
		}
	}

	sort.Ints(ids)
	return ids, nil
}
