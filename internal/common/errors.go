// Copyright 2024 AgentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrExists          = errors.New("already exists")
	ErrNotDir          = errors.New("not a directory")
	ErrIsDir           = errors.New("is a directory")
	ErrNotEmpty        = errors.New("directory not empty")
	ErrTooManyLinks    = errors.New("too many levels of symbolic links")
	ErrCorrupt         = errors.New("corrupt filesystem data")
	ErrStorage         = errors.New("storage failure")
	ErrInvalidPath     = errors.New("invalid path")
	ErrInvalidArgument = errors.New("invalid argument")
)

// PathError records a failed filesystem operation and the path it was
// called with.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error { return e.Err }

// StorageError wraps an error returned by the database driver or the
// transaction machinery. It matches ErrStorage under errors.Is and unwraps
// to the driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("storage failure: %v", e.Err)
	}
	return fmt.Sprintf("storage failure in %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// CorruptError describes an invariant violation detected while reading
// stored data.
type CorruptError struct {
	Ino    int64
	Detail string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt filesystem data (ino %d): %s", e.Ino, e.Detail)
}

func (e *CorruptError) Is(target error) bool { return target == ErrCorrupt }

// NewPathError wraps err with op and path unless it already carries a path.
func NewPathError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PathError
	if errors.As(err, &pe) {
		return err
	}
	return &PathError{Op: op, Path: path, Err: err}
}

// Corruptf returns a CorruptError for ino.
func Corruptf(ino int64, format string, args ...any) error {
	return &CorruptError{Ino: ino, Detail: fmt.Sprintf(format, args...)}
}

// IsKnown reports whether err belongs to the filesystem error taxonomy.
func IsKnown(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrExists, ErrNotDir, ErrIsDir, ErrNotEmpty,
		ErrTooManyLinks, ErrCorrupt, ErrStorage, ErrInvalidPath, ErrInvalidArgument,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
