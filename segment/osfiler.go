package segment

import (
	"os"
	"path/filepath"
	"strings"
)

// OSFiler is the default Filer backed by one *.seg file per segment in a
// single directory, matching spec.md §6's persisted layout
// (<root>/<namespace>/wal/<segment_id>.seg).
type OSFiler struct {
	dir string
}

// NewOSFiler returns a Filer rooted at dir. The directory must already
// exist.
func NewOSFiler(dir string) *OSFiler {
	return &OSFiler{dir: dir}
}

func (f *OSFiler) path(id string) string {
	return filepath.Join(f.dir, id+".seg")
}

func (f *OSFiler) Create(info Info) (WritableFile, error) {
	return os.OpenFile(f.path(info.ID), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
}

func (f *OSFiler) OpenWritable(info Info) (WritableFile, error) {
	return os.OpenFile(f.path(info.ID), os.O_RDWR, 0o644)
}

func (f *OSFiler) Open(info Info) (ReadableFile, error) {
	return os.OpenFile(f.path(info.ID), os.O_RDONLY, 0o644)
}

func (f *OSFiler) Delete(id string) error {
	err := os.Remove(f.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *OSFiler) List() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".seg") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".seg"))
	}
	return ids, nil
}
