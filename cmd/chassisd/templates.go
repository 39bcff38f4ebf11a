/*
 * Copyright 2024 Comcast Cable Communications Management, LLC
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

package main

import (
	"github.com/comcast/chassisd/blade"
	"github.com/comcast/chassisd/fan"
)

type indexAppData struct {
	Hostname string
	Build    interface{}
	Blades   []blade.Record
	Fans     fan.State
}

const indexTmpl string = `<html>
  <head>
    <title>chassisd</title>
    <style>
      .links, .build-info {
        display: flex;
      }
      h3, p {
        padding-right: 1em;
      }
      table {
        border-collapse: collapse;
      }
      td, th {
        border: 1px solid #ccc;
        padding: 4px 8px;
      }
      .Healthy { background-color: #d4f7d4; }
      .Fail { background-color: #f7d4d4; }
      .Probation, .Initialization { background-color: #f7f0d4; }
    </style>
  </head>
  <body>
    <h1>chassisd {{ .Hostname }}</h1>
    <div class="build-info">
      <p><b>build date:</b> {{ .Build.Date }}</p>
      <p><b>revision:</b> {{ .Build.GitRevision }}</p>
      <p><b>version:</b> {{ .Build.GitVersion }}</p>
    </div>
    <div class="links">
      <h3><a href="metrics">Metrics</a></h3>
      <h3><a href="blades">Blades</a></h3>
      <h3><a href="fans">Fans</a></h3>
      <h3><a href="ready">Ready</a></h3>
    </div>
    <p><b>fan pwm:</b> {{ .Fans.PreviousPWM }} <b>fan failure:</b> {{ .Fans.FanFailure }}</p>
    <table>
      <tr><th>blade</th><th>state</th><th>type</th><th>power</th><th>pwm</th><th>fail count</th><th>guid</th></tr>
      {{- range .Blades }}
      <tr class="{{ .State }}"><td>{{ .ID }}</td><td>{{ .State }}</td><td>{{ .Type }}</td><td>{{ .Power.State }}</td><td>{{ .PwmRequirement }}</td><td>{{ .FailCount }}</td><td>{{ .GUID }}</td></tr>
      {{- end }}
    </table>
  </body>
</html>
`
