// Copyright © 2017 Max Goltzsche
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

package atomic

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// writes a file atomically by first writing into a temp file in the same
// directory before renaming it to its final destination
// readers see either the old or the new content, never a partial write
func WriteFile(dest string, reader io.Reader, perm os.FileMode) (size int64, err error) {
	tmpFile, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-")
	if err != nil {
		return 0, errors.Wrap(err, "create temp file")
	}
	tmpPath := tmpFile.Name()
	tmpRemoved := false
	defer func() {
		tmpFile.Close()
		if !tmpRemoved {
			os.Remove(tmpPath)
		}
	}()

	if size, err = io.Copy(tmpFile, reader); err != nil {
		return 0, errors.Wrap(err, "write to temp file")
	}
	if err = tmpFile.Chmod(perm); err != nil {
		return 0, errors.Wrap(err, "chmod temp file")
	}
	if err = tmpFile.Sync(); err != nil {
		return 0, errors.Wrap(err, "sync temp file")
	}
	if err = tmpFile.Close(); err != nil {
		return 0, errors.Wrap(err, "close temp file")
	}

	if err = os.Rename(tmpPath, dest); err != nil {
		return 0, errors.Wrap(err, "rename temp file")
	}
	tmpRemoved = true
	return size, nil
}

// writes a JSON document atomically, see WriteFile
func WriteJSON(dest string, o interface{}, perm os.FileMode) (size int64, err error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err = enc.Encode(o); err != nil {
		return 0, errors.Wrap(err, "write json")
	}
	return WriteFile(dest, &buf, perm)
}
