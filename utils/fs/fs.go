/*
 * Copyright 2024 The RuleGo Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package fs locates and reads route definition files.
package fs

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// RouteFilePatterns are the file names Load picks up in a folder.
var RouteFilePatterns = []string{"*.yaml", "*.yml", "*.json"}

// LoadFile returns the file content, or nil when it cannot be read.
func LoadFile(filePath string) []byte {
	buf, err := os.ReadFile(filePath)
	if err != nil {
		return nil
	}
	return buf
}

// GetFilePaths walks the directory of loadFilePattern and returns the files whose
// name matches its base pattern, sorted. Files and directories matching an
// excluded pattern are skipped.
func GetFilePaths(loadFilePattern string, excludedPatterns ...string) ([]string, error) {
	dir, file := filepath.Split(loadFilePattern)
	if dir == "" {
		dir = "."
	}
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && isMatch(d, excludedPatterns...) {
				return filepath.SkipDir
			}
			return nil
		}
		if matched, _ := filepath.Match(file, d.Name()); matched && !isMatch(d, excludedPatterns...) {
			paths = append(paths, path)
		}
		return nil
	})
	sort.Strings(paths)
	return paths, err
}

// RouteFiles returns the route definition files under path. A file path is
// returned as is.
func RouteFiles(path string, excludedPatterns ...string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	seen := make(map[string]struct{})
	var files []string
	for _, pattern := range RouteFilePatterns {
		paths, err := GetFilePaths(filepath.Join(path, pattern), excludedPatterns...)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				files = append(files, p)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

func isMatch(d fs.DirEntry, patterns ...string) bool {
	for _, item := range patterns {
		if matched, _ := filepath.Match(item, d.Name()); matched {
			return true
		}
	}
	return false
}
