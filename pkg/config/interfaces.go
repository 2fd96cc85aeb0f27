package config

import "os"

// FileSystem abstracts the single file read a Source performs, so
// tests can supply configuration without touching disk.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
}

// RealFileSystem implements FileSystem using the OS.
type RealFileSystem struct{}

func (RealFileSystem) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Source produces a Document: spec.md's "either a mapping supplied at
// construction, or a path to a hierarchical text config file".
// YAMLSource and MapSource are the two implementations; a caller may
// supply any other Source to parse a different on-disk format without
// touching the Observer.
type Source interface {
	Load() (*Document, error)
}
