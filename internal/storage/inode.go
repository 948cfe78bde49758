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

package storage

import "time"

// Kind is the type of filesystem object an inode describes.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
	KindSymlink   Kind = "symlink"
)

// TypeBits returns the mode type bits for the kind.
func (k Kind) TypeBits() uint32 {
	switch k {
	case KindDirectory:
		return ModeDir
	case KindSymlink:
		return ModeSymlink
	default:
		return ModeFile
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindFile || k == KindDirectory || k == KindSymlink
}

// KindFromMode derives the kind from mode type bits.
func KindFromMode(mode uint32) Kind {
	switch mode & ModeMask {
	case ModeDir:
		return KindDirectory
	case ModeSymlink:
		return KindSymlink
	default:
		return KindFile
	}
}

// Inode represents a filesystem inode
type Inode struct {
	Ino        int64
	Kind       Kind
	Mode       uint32
	Size       int64
	CreatedAt  time.Time
	ModifiedAt time.Time
	LinkTarget string
}

// IsDir returns true if the inode is a directory
func (i *Inode) IsDir() bool {
	return i.Kind == KindDirectory
}

// IsFile returns true if the inode is a regular file
func (i *Inode) IsFile() bool {
	return i.Kind == KindFile
}

// IsSymlink returns true if the inode is a symbolic link
func (i *Inode) IsSymlink() bool {
	return i.Kind == KindSymlink
}

// Permissions returns the permission bits
func (i *Inode) Permissions() uint32 {
	return i.Mode & 0777
}

// Dentry represents a directory entry
type Dentry struct {
	ParentIno int64
	Name      string
	Ino       int64
}

// DirEntry represents a directory entry with full info for listing
type DirEntry struct {
	Name string
	Ino  int64
	Kind Kind
	Mode uint32
	Size int64
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n)
}
