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

// Store is the durable key-value storage used to persist credentials and
// the retry queue across process restarts.
type Store interface {
	// Get returns the value stored under the key.
	// Returns trace.NotFound if the key does not exist.
	Get(key string) ([]byte, error)

	// Put stores the value under the key, replacing any previous value.
	Put(key string, value []byte) error

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(key string) error
}
