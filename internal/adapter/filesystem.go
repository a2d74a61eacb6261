package adapter

import (
	"io"
	"os"
)

// FileSystem defines the file operations used by the append-only logs, to enable mocking
//
//go:generate mockgen -source=filesystem.go -destination=../mocks/filesystem.go -package=mocks -mock_names=FileSystem=MockFileSystem
type FileSystem interface {
	// MkdirAll creates a directory and any missing parents
	MkdirAll(path string, perm os.FileMode) error

	// OpenAppend opens (creating if needed) a file for reading and appending
	OpenAppend(name string) (File, error)

	// Open opens a file read-only
	Open(name string) (io.ReadCloser, error)
}

// File is an append-only log file
type File interface {
	io.Reader
	io.Writer
	io.Closer
	Sync() error
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
}

// RealFileSystem implements FileSystem using the standard os package
type RealFileSystem struct{}

// NewFileSystem creates a new real file system
func NewFileSystem() FileSystem {
	return &RealFileSystem{}
}

func (fs *RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (fs *RealFileSystem) OpenAppend(name string) (File, error) {
	return os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644) //nolint:gosec,G304
}

func (fs *RealFileSystem) Open(name string) (io.ReadCloser, error) {
	return os.Open(name) //nolint:gosec,G304
}
