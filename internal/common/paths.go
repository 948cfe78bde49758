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
	"fmt"
	"strings"
)

// MaxNameLen is the longest directory entry name accepted, in bytes.
const MaxNameLen = 255

// StripMountPrefix removes the mount prefix from p. Paths outside the prefix
// are taken relative to the mount root, so "/agent/foo" and "/foo" name the
// same entry when mount is "/agent".
func StripMountPrefix(mount, p string) string {
	mount = strings.TrimRight(mount, "/")
	if mount == "" {
		return p
	}
	if p == mount {
		return "/"
	}
	if strings.HasPrefix(p, mount+"/") {
		return p[len(mount):]
	}
	return p
}

// SplitComponents splits a path into its components. Empty segments and "."
// are dropped; ".." is kept so it can be resolved against the inode chain.
func SplitComponents(p string) []string {
	var parts []string
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == "." {
			continue
		}
		parts = append(parts, part)
	}
	return parts
}

// CleanPath returns p in canonical "/a/b" form without touching "..".
func CleanPath(p string) string {
	parts := SplitComponents(p)
	if len(parts) == 0 {
		return "/"
	}
	return "/" + strings.Join(parts, "/")
}

// JoinPath joins a directory path and a child name.
func JoinPath(dir, name string) string {
	if dir == "" || dir == "/" {
		return "/" + name
	}
	return strings.TrimRight(dir, "/") + "/" + name
}

// ParentPath returns the parent directory of a cleaned path
func ParentPath(p string) string {
	p = CleanPath(p)
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return "/"
	}
	return p[:idx]
}

// BaseName returns the last component of a path, or "" for the root
func BaseName(p string) string {
	p = CleanPath(p)
	if p == "/" {
		return ""
	}
	return p[strings.LastIndex(p, "/")+1:]
}

// ValidateName checks that name can be stored as a directory entry.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: reserved name %q", ErrInvalidPath, name)
	case len(name) > MaxNameLen:
		return fmt.Errorf("%w: name longer than %d bytes", ErrInvalidPath, MaxNameLen)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: name %q contains a separator or NUL", ErrInvalidPath, name)
	}
	return nil
}
