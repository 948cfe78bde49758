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

package hostfs

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
)

// Filter reports whether a host path, relative to the import root and
// slash-separated, should be copied.
type Filter func(relPath string, isDir bool) bool

// NewFilter builds a Filter that:
// 1. Always skips .git
// 2. Skips anything under an excludes entry
// 3. Applies .gitignore rules found under root when gitignore is set
func NewFilter(root string, gitignore bool, excludes []string) Filter {
	var matcher *gitignoreMatcher
	if gitignore {
		var err error
		matcher, err = newGitignoreMatcher(root)
		if err != nil {
			log.Warnf("[HOSTFS] failed to build gitignore matcher: %v", err)
		}
	}

	return func(relPath string, isDir bool) bool {
		if relPath == ".git" || strings.HasPrefix(relPath, ".git/") {
			return false
		}
		for _, exc := range excludes {
			exc = strings.Trim(filepath.ToSlash(exc), "/")
			if exc != "" && (relPath == exc || strings.HasPrefix(relPath, exc+"/")) {
				return false
			}
		}
		return !matcher.isIgnored(relPath, isDir)
	}
}

// gitignoreMatcher holds the .gitignore files of a tree, each scoped to the
// directory it was found in.
type gitignoreMatcher struct {
	scopes []scopedIgnore
}

type scopedIgnore struct {
	dir    string
	ignore *ignore.GitIgnore
}

func newGitignoreMatcher(root string) (*gitignoreMatcher, error) {
	m := &gitignoreMatcher{}
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != ".gitignore" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			rel = ""
		}
		m.scopes = append(m.scopes, scopedIgnore{
			dir:    rel,
			ignore: ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *gitignoreMatcher) isIgnored(relPath string, isDir bool) bool {
	if m == nil {
		return false
	}
	check := relPath
	if isDir {
		check += "/"
	}
	for _, s := range m.scopes {
		p := check
		if s.dir != "" {
			prefix := s.dir + "/"
			if !strings.HasPrefix(relPath, prefix) {
				continue
			}
			p = strings.TrimPrefix(check, prefix)
		}
		if s.ignore.MatchesPath(p) {
			return true
		}
	}
	return false
}
