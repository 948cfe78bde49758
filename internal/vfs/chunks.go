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
	"bytes"
	"context"
	"errors"

	"github.com/klauspost/compress/zstd"
	"github.com/uptrace/bun"
	"github.com/zeebo/blake3"

	"agentfs/internal/common"
	"agentfs/internal/storage"
)

// Chunk rows are inserted in batches to stay below the bind parameter limit.
const insertBatch = 256

// zstd.Encoder and zstd.Decoder are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("vfs: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("vfs: zstd decoder initialization failed: " + err.Error())
	}
}

// chunkStore keeps file content as rows of (ino, offset, length, bytes)
// covering [0, size) without gaps or overlaps.
type chunkStore struct {
	store     *storage.Store
	chunkSize int
	compress  bool
}

func digest(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// encode builds the row for data stored at offset. Compressed bytes are kept
// only when they are smaller than the input.
func (c *chunkStore) encode(ino, offset int64, data []byte) storage.ChunkModel {
	chunk := storage.ChunkModel{
		Ino:    ino,
		Offset: offset,
		Length: int64(len(data)),
		Codec:  storage.CodecRaw,
		Digest: digest(data),
		Bytes:  data,
	}
	if c.compress {
		if packed := zstdEncoder.EncodeAll(data, nil); len(packed) < len(data) {
			chunk.Codec = storage.CodecZstd
			chunk.Bytes = packed
		}
	}
	return chunk
}

// decode returns the verified plain bytes of chunk.
func (c *chunkStore) decode(chunk *storage.ChunkModel) ([]byte, error) {
	var data []byte
	switch chunk.Codec {
	case storage.CodecRaw:
		data = chunk.Bytes
	case storage.CodecZstd:
		var err error
		data, err = zstdDecoder.DecodeAll(chunk.Bytes, make([]byte, 0, chunk.Length))
		if err != nil {
			return nil, common.Corruptf(chunk.Ino, "chunk at %d: %v", chunk.Offset, err)
		}
	default:
		return nil, common.Corruptf(chunk.Ino, "chunk at %d: unknown codec %d", chunk.Offset, chunk.Codec)
	}
	if int64(len(data)) != chunk.Length {
		return nil, common.Corruptf(chunk.Ino, "chunk at %d: holds %d bytes, length says %d", chunk.Offset, len(data), chunk.Length)
	}
	if !bytes.Equal(digest(data), chunk.Digest) {
		return nil, common.Corruptf(chunk.Ino, "chunk at %d: digest mismatch", chunk.Offset)
	}
	return data, nil
}

// insert splits data into chunkSize rows starting at offset.
func (c *chunkStore) insert(ctx context.Context, idb bun.IDB, ino, offset int64, data []byte) error {
	batch := make([]storage.ChunkModel, 0, insertBatch)
	for pos := 0; pos < len(data); pos += c.chunkSize {
		end := min(pos+c.chunkSize, len(data))
		batch = append(batch, c.encode(ino, offset+int64(pos), data[pos:end]))
		if len(batch) == insertBatch {
			if err := c.store.InsertChunksWith(idb, ctx, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	return c.store.InsertChunksWith(idb, ctx, batch)
}

// write replaces the whole content of ino with data.
func (c *chunkStore) write(ctx context.Context, idb bun.IDB, ino int64, data []byte) error {
	if err := c.drop(ctx, idb, ino); err != nil {
		return err
	}
	return c.insert(ctx, idb, ino, 0, data)
}

// drop deletes every chunk of ino.
func (c *chunkStore) drop(ctx context.Context, idb bun.IDB, ino int64) error {
	_, err := c.store.DeleteChunksWith(idb, ctx, ino)
	return err
}

// tail removes the last chunk of a file of the given size when it is shorter
// than chunkSize and returns its offset and bytes, so the caller can rewrite
// it merged with new data. A full last chunk is left alone.
func (c *chunkStore) tail(ctx context.Context, idb bun.IDB, ino, size int64) (int64, []byte, error) {
	if size == 0 {
		return 0, nil, nil
	}
	last, err := c.store.ChunkAtWith(idb, ctx, ino, size-1)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return 0, nil, common.Corruptf(ino, "no chunk covers byte %d", size-1)
		}
		return 0, nil, err
	}
	if last.Offset+last.Length != size {
		return 0, nil, common.Corruptf(ino, "last chunk ends at %d, size is %d", last.Offset+last.Length, size)
	}
	if last.Length >= int64(c.chunkSize) {
		return size, nil, nil
	}
	data, err := c.decode(last)
	if err != nil {
		return 0, nil, err
	}
	if _, err := c.store.DeleteChunksFromWith(idb, ctx, ino, last.Offset); err != nil {
		return 0, nil, err
	}
	return last.Offset, data, nil
}

// append adds data after the current end of a file of the given size.
func (c *chunkStore) append(ctx context.Context, idb bun.IDB, ino, size int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	offset, head, err := c.tail(ctx, idb, ino, size)
	if err != nil {
		return err
	}
	merged := make([]byte, 0, len(head)+len(data))
	merged = append(merged, head...)
	merged = append(merged, data...)
	return c.insert(ctx, idb, ino, offset, merged)
}

// truncate resizes the content of ino from size to newSize. Shrinking drops
// chunks past newSize and cuts the one straddling it; growing appends zeros.
func (c *chunkStore) truncate(ctx context.Context, idb bun.IDB, ino, size, newSize int64) error {
	switch {
	case newSize == size:
		return nil
	case newSize > size:
		return c.grow(ctx, idb, ino, size, newSize)
	case newSize == 0:
		return c.drop(ctx, idb, ino)
	}

	straddle, err := c.store.ChunkAtWith(idb, ctx, ino, newSize-1)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return common.Corruptf(ino, "no chunk covers byte %d", newSize-1)
		}
		return err
	}
	if _, err := c.store.DeleteChunksFromWith(idb, ctx, ino, newSize); err != nil {
		return err
	}
	if straddle.Offset+straddle.Length <= newSize {
		return nil
	}
	data, err := c.decode(straddle)
	if err != nil {
		return err
	}
	if _, err := c.store.DeleteChunksFromWith(idb, ctx, ino, straddle.Offset); err != nil {
		return err
	}
	return c.insert(ctx, idb, ino, straddle.Offset, data[:newSize-straddle.Offset])
}

// grow extends a file of the given size with zeros up to newSize. The
// partial last chunk is filled first, then whole zero chunks are inserted
// from one shared buffer.
func (c *chunkStore) grow(ctx context.Context, idb bun.IDB, ino, size, newSize int64) error {
	offset, head, err := c.tail(ctx, idb, ino, size)
	if err != nil {
		return err
	}
	zeros := make([]byte, c.chunkSize)
	if len(head) > 0 {
		fill := min(int64(c.chunkSize-len(head)), newSize-size)
		first := append(head, zeros[:fill]...)
		if err := c.store.InsertChunksWith(idb, ctx, []storage.ChunkModel{c.encode(ino, offset, first)}); err != nil {
			return err
		}
		offset += int64(len(first))
	}
	batch := make([]storage.ChunkModel, 0, insertBatch)
	for pos := offset; pos < newSize; pos += int64(c.chunkSize) {
		n := min(int64(c.chunkSize), newSize-pos)
		batch = append(batch, c.encode(ino, pos, zeros[:n]))
		if len(batch) == insertBatch {
			if err := c.store.InsertChunksWith(idb, ctx, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	return c.store.InsertChunksWith(idb, ctx, batch)
}

// read returns the full content of inode, verifying that the chunks cover
// [0, size) exactly.
func (c *chunkStore) read(ctx context.Context, idb bun.IDB, inode *storage.Inode) ([]byte, error) {
	chunks, err := c.store.ChunksWith(idb, ctx, inode.Ino)
	if err != nil {
		return nil, err
	}
	if inode.Size < 0 {
		return nil, common.Corruptf(inode.Ino, "negative size %d", inode.Size)
	}
	buf := make([]byte, 0, inode.Size)
	var pos int64
	for i := range chunks {
		chunk := &chunks[i]
		switch {
		case chunk.Offset > pos:
			return nil, common.Corruptf(inode.Ino, "gap between %d and %d", pos, chunk.Offset)
		case chunk.Offset < pos:
			return nil, common.Corruptf(inode.Ino, "chunk at %d overlaps data ending at %d", chunk.Offset, pos)
		}
		data, err := c.decode(chunk)
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
		pos += chunk.Length
	}
	if pos != inode.Size {
		return nil, common.Corruptf(inode.Ino, "chunks cover %d bytes, size is %d", pos, inode.Size)
	}
	return buf, nil
}
