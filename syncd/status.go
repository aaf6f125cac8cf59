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

package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/olekukonko/tablewriter"

	"github.com/watchpost/client-go/queue"
	"github.com/watchpost/client-go/lib/storage"
)

// printStatus renders the requests pending in the retry queue as a table.
func printStatus(configPath string, out io.Writer) error {
	conf, err := LoadConfig(configPath)
	if err != nil {
		return trace.Wrap(err)
	}

	store, err := storage.NewDiskStore(conf.Storage.Dir)
	if err != nil {
		return trace.Wrap(err)
	}

	entries, err := queue.LoadEntries(store)
	if err != nil {
		return trace.Wrap(err)
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "The retry queue is empty.")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ID", "Method", "Path", "Enqueued", "Retries"})
	table.SetAutoWrapText(false)

	for _, entry := range entries {
		table.Append([]string{
			entry.ID,
			entry.Request.Method,
			entry.Request.Path,
			entry.EnqueuedAt.Format(time.RFC3339),
			strconv.Itoa(entry.RetryCount),
		})
	}
	table.Render()

	return nil
}
