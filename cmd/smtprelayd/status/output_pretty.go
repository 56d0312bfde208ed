/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package status

import (
	"io"
	"text/template"

	"github.com/muesli/termenv"

	"stash.kopano.io/kgol/smtprelay/cmd/smtprelayd/common"
	"stash.kopano.io/kgol/smtprelay/server"
)

const prettyTemplate = `
{{- Bold "smtp"}}: {{.SMTPListenAddress}}{{if .StartTLS}} (starttls){{end}}
{{Bold "api"}}: {{.APIListenAddress}}
{{Bold "store"}}: {{.Store}}
{{Bold "relay"}}: {{or .Relay "none, direct mx delivery"}}
{{Bold "started"}}: {{.StartedAt.Format "2006-01-02 15:04:05 MST"}}
{{Bold "sessions"}}: {{.Sessions}}
{{Bold "messages"}}: {{.Total}}
  {{- range $status, $count := .Messages}}
  - {{WithStatusColor $status}}: {{$count}}
  {{- end}}
{{- with .LastDelivery}}

{{Bold "last delivery"}}: {{.ID}}
  {{Bold "status"}}: {{WithStatusColor .Status}}
  {{Bold "detail"}}: {{.Detail}}
  {{Bold "attempted"}}: {{.AttemptedAt.Format "2006-01-02 15:04:05 MST"}}
{{- end}}
`

var prettyTpl = template.Must(template.New("status").Funcs(common.TemplateFuncs(termenv.Ascii)).Parse(prettyTemplate))

func outputPretty(w io.Writer, p termenv.Profile, status *server.Status) error {
	tpl, err := prettyTpl.Clone()
	if err != nil {
		return err
	}
	return tpl.Funcs(common.TemplateFuncs(p)).Execute(w, status)
}
