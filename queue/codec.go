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

package queue

import (
	"github.com/gravitational/trace"
	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigFastest

// marshalEntries serializes the queue for persistence.
func marshalEntries(entries []Entry) ([]byte, error) {
	data, err := codec.Marshal(entries)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// unmarshalEntries restores the queue from its persisted form.
func unmarshalEntries(data []byte) ([]Entry, error) {
	var entries []Entry
	if err := codec.Unmarshal(data, &entries); err != nil {
		return nil, trace.Wrap(err)
	}
	return entries, nil
}
