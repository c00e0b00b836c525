package exportpack

import (
	"archive/zip"
	"bytes"
	"fmt"
	"sort"
	"time"
)

// archiveEntry is one file destined for a deterministic archive.
type archiveEntry struct {
	Name string
	Body []byte
}

// buildArchive packs entries into a ZIP whose bytes depend only on the entry
// names and bodies: alphabetical order, deflate, zeroed timestamps.
func buildArchive(entries []archiveEntry) ([]byte, error) {
	sorted := make([]archiveEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, entry := range sorted {
		header := &zip.FileHeader{
			Name:     entry.Name,
			Method:   zip.Deflate,
			Modified: time.Time{},
		}
		f, err := w.CreateHeader(header)
		if err != nil {
			return nil, fmt.Errorf("create archive entry %s: %w", entry.Name, err)
		}
		if _, err := f.Write(entry.Body); err != nil {
			return nil, fmt.Errorf("write archive entry %s: %w", entry.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish archive: %w", err)
	}
	return buf.Bytes(), nil
}

// archiveFileNames lists the entry names of a ZIP in stored order.
func archiveFileNames(data []byte) ([]string, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names, nil
}
