// Package persistence writes run reports to disk, with serialization and
// destination kept behind small seams so tests can capture output in memory.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(filename string, data []byte) error
}

type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	return json.MarshalIndent(data, s.Prefix, s.Indent)
}

// FileWriter writes through a temp file and renames, so a crash mid-write
// never leaves a truncated report behind.
type FileWriter struct {
	Overwrite bool
}

func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if _, err := os.Stat(filename); !os.IsNotExist(err) && !w.Overwrite {
		return os.ErrExist
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filename)
}

// SaveReport serializes data and hands it to the writer.
func SaveReport(data any, filename string, serializer Serializer, writer Writer) error {
	bytes, err := serializer.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize report: %w", err)
	}
	if err := writer.Write(filename, bytes); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
