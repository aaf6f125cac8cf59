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
	"io"
	"net/url"
	"strconv"
	"text/template"

	"github.com/gravitational/trace"
	"github.com/manifoldco/promptui"
)

var configTemplate = template.Must(template.New("config").Parse(
	`[backend]
api_url = "{{.Backend.APIURL}}"

[storage]
dir = "{{.Storage.Dir}}"

[sync]
probe_interval_seconds = {{.Sync.ProbeIntervalSeconds}}
max_retry_attempts = {{.Sync.MaxRetryAttempts}}

[log]
output = "{{.Log.Output}}"
severity = "{{.Log.Severity}}"
`))

// configureInteractive builds a config from interactive prompts and writes
// the rendered TOML to out.
func configureInteractive(out io.Writer) error {
	var conf Config

	apiURL, err := promptValue("Watchpost API base URL", "https://api.watchpost.example.com", validateURL)
	if err != nil {
		return trace.Wrap(err)
	}
	conf.Backend.APIURL = apiURL

	dir, err := promptValue("Storage directory", "/var/lib/watchpost/syncd", nil)
	if err != nil {
		return trace.Wrap(err)
	}
	conf.Storage.Dir = dir

	interval, err := promptValue("Connectivity probe interval, seconds", "30", validateInt)
	if err != nil {
		return trace.Wrap(err)
	}
	conf.Sync.ProbeIntervalSeconds, _ = strconv.Atoi(interval)

	severity, err := promptSelect("Log severity", []string{"info", "debug", "warn", "error"})
	if err != nil {
		return trace.Wrap(err)
	}
	conf.Log.Severity = severity

	if err := conf.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}

	return trace.Wrap(configTemplate.Execute(out, conf))
}

// promptValue displays a prompt with a default value
func promptValue(message, def string, validate promptui.ValidateFunc) (string, error) {
	prompt := promptui.Prompt{
		Label:    message,
		Default:  def,
		Validate: validate,
	}

	result, err := prompt.Run()
	if err != nil {
		return "", trace.Wrap(err)
	}

	return result, nil
}

// promptSelect displays a selection list
func promptSelect(message string, items []string) (string, error) {
	prompt := promptui.Select{
		Label: message,
		Items: items,
	}

	_, result, err := prompt.Run()
	if err != nil {
		return "", trace.Wrap(err)
	}

	return result, nil
}

func validateURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return trace.BadParameter("invalid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return trace.BadParameter("URL must use http or https")
	}
	return nil
}

func validateInt(value string) error {
	if _, err := strconv.Atoi(value); err != nil {
		return trace.BadParameter("not a number: %v", value)
	}
	return nil
}
