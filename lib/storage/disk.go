/*
Copyright 2023 Watchpost, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package storage

import (
	"os"

	"github.com/gravitational/trace"
	"github.com/peterbourgon/diskv/v3"
)

const (
	// cacheSizeMaxBytes max memory cache
	cacheSizeMaxBytes = 1024
)

// DiskStore is a Store persisting values as files under a base directory.
type DiskStore struct {
	// dv is a diskv instance
	dv *diskv.Diskv
}

// NewDiskStore creates a disk-backed store rooted at dir.
func NewDiskStore(dir string) (*DiskStore, error) {
	if dir == "" {
		return nil, trace.BadParameter("storage directory is not set")
	}

	// Simplest transform function: put all the data files into the base dir.
	flatTransform := func(s string) []string { return []string{} }

	dv := diskv.New(diskv.Options{
		BasePath:     dir,
		Transform:    flatTransform,
		CacheSizeMax: cacheSizeMaxBytes,
	})

	return &DiskStore{dv: dv}, nil
}

// Get returns the value stored under the key.
func (s *DiskStore) Get(key string) ([]byte, error) {
	if !s.dv.Has(key) {
		return nil, trace.NotFound("key %q not found", key)
	}

	b, err := s.dv.Read(key)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("key %q not found", key)
		}
		return nil, trace.Wrap(err)
	}

	return b, nil
}

// Put stores the value under the key.
func (s *DiskStore) Put(key string, value []byte) error {
	return trace.Wrap(s.dv.Write(key, value))
}

// Delete removes the key and its value.
func (s *DiskStore) Delete(key string) error {
	err := s.dv.Erase(key)
	if err != nil && !os.IsNotExist(err) {
		return trace.Wrap(err)
	}
	return nil
}
