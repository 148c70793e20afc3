package domain

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ManifestEntry names one artifact to push: a local file under the data
// directory and the object key it lands on. MD5 may be provided inline; when
// empty the uploader reads a "<local>.md5" sidecar or hashes the file itself.
type ManifestEntry struct {
	Local string `json:"local"`
	Key   string `json:"key"`
	MD5   string `json:"md5,omitempty"`
}

// Manifest is the upload descriptor for a whole array job: element i holds
// the ordered entry list for the worker at array index i. Single (no-array)
// runs use index 0.
type Manifest [][]ManifestEntry

func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", filepath.Base(path), err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("manifest %s is empty", filepath.Base(path))
	}
	return m, nil
}

// Shard returns the entry list for one array position, validating every entry
// before any upload starts so a malformed shard fails closed.
func (m Manifest) Shard(jobIndex int) ([]ManifestEntry, error) {
	if jobIndex < 0 || jobIndex >= len(m) {
		return nil, fmt.Errorf("job index %d outside manifest (shards: %d)", jobIndex, len(m))
	}
	shard := m[jobIndex]
	for i, e := range shard {
		if strings.TrimSpace(e.Local) == "" {
			return nil, fmt.Errorf("shard %d entry %d: empty local path", jobIndex, i)
		}
		if strings.TrimSpace(e.Key) == "" {
			return nil, fmt.Errorf("shard %d entry %d: empty object key", jobIndex, i)
		}
	}
	return shard, nil
}
