package ruleengine

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileDumper implements IOPort's file-dump side effects (spec.md §4.3
// "file dump of the message, file dump of the full context as JSON")
// under a configurable storage root: "{uuid}.eml" for the raw message,
// "{uuid}.json" for the context, written only when a directive requests
// one.
type FileDumper struct {
	Root string
}

// NewFileDumper builds a FileDumper rooted at dir.
func NewFileDumper(dir string) *FileDumper { return &FileDumper{Root: dir} }

func (d *FileDumper) DumpMessage(uuid string, raw []byte) error {
	path := filepath.Join(d.Root, uuid+".eml")
	if err := os.WriteFile(path, raw, 0o640); err != nil {
		return fmt.Errorf("ruleengine: dumping message %s: %w", uuid, err)
	}
	return nil
}

func (d *FileDumper) DumpContext(uuid string, jsonBytes []byte) error {
	path := filepath.Join(d.Root, uuid+".json")
	if err := os.WriteFile(path, jsonBytes, 0o640); err != nil {
		return fmt.Errorf("ruleengine: dumping context %s: %w", uuid, err)
	}
	return nil
}
