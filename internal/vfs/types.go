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

package vfs

import (
	"time"

	"agentfs/internal/storage"
)

// Defaults applied by New when Options leaves a field zero.
const (
	DefaultMountPath   = "/agent"
	DefaultMaxSymlinks = 40
)

// Compression codecs accepted in Options.Compression.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Options configures a FileSystem.
type Options struct {
	// MountPath is stripped from incoming paths; "/agent/x" and "/x" are
	// the same entry.
	MountPath   string
	ChunkSize   int
	MaxSymlinks int
	Compression string

	// Observer receives per-operation outcomes. May be nil.
	Observer Observer
}

func (o *Options) applyDefaults() {
	if o.MountPath == "" {
		o.MountPath = DefaultMountPath
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = storage.DefaultChunkSize
	}
	if o.MaxSymlinks <= 0 {
		o.MaxSymlinks = DefaultMaxSymlinks
	}
	if o.Compression == "" {
		o.Compression = CompressionNone
	}
}

// Observer is notified after every filesystem operation.
type Observer interface {
	ObserveOp(op string, elapsed time.Duration, err error)
	ObserveBytes(direction string, n int)
}

// Byte directions reported to Observer.ObserveBytes.
const (
	DirectionRead  = "read"
	DirectionWrite = "write"
)

// Metadata describes one inode.
type Metadata struct {
	Ino        int64
	Kind       storage.Kind
	Mode       uint32
	Size       int64
	CreatedAt  time.Time
	ModifiedAt time.Time
	// LinkTarget is set for symlinks only.
	LinkTarget string
}

// IsDir reports whether the inode is a directory.
func (m *Metadata) IsDir() bool { return m.Kind == storage.KindDirectory }

// IsSymlink reports whether the inode is a symbolic link.
func (m *Metadata) IsSymlink() bool { return m.Kind == storage.KindSymlink }

func metadataOf(inode *storage.Inode) *Metadata {
	return &Metadata{
		Ino:        inode.Ino,
		Kind:       inode.Kind,
		Mode:       inode.Mode,
		Size:       inode.Size,
		CreatedAt:  inode.CreatedAt,
		ModifiedAt: inode.ModifiedAt,
		LinkTarget: inode.LinkTarget,
	}
}

// Entry is one child returned by Readdir.
type Entry struct {
	Name string
	Ino  int64
	Kind storage.Kind
	Mode uint32
	Size int64
}
