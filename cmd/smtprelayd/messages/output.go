/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package messages

import (
	"io"
	"strings"
	"text/template"

	"github.com/muesli/termenv"

	"stash.kopano.io/kgol/smtprelay/cmd/smtprelayd/common"
	"stash.kopano.io/kgol/smtprelay/server/api"
)

const prettyTemplate = `
{{- range .}}
{{Bold .ID}} {{WithStatusColor .DeliveryStatus}}
  {{Bold "from"}}: {{.Sender}}
  {{Bold "to"}}: {{Join .Recipients ", "}}
  {{Bold "subject"}}: {{.Subject}}
  {{Bold "received"}}: {{.ReceivedAt.Format "2006-01-02 15:04:05 MST"}}
  {{- if .DeliveryDetail}}
  {{Bold "detail"}}: {{.DeliveryDetail}}
  {{- end}}
  {{- range .Results}}
  - {{.Recipient}} via {{.Path}}{{if .Host}} ({{.Host}}){{end}}: {{.Class}}
  {{- end}}
{{else}}no messages
{{end}}`

func prettyFuncs(p termenv.Profile) template.FuncMap {
	funcs := common.TemplateFuncs(p)
	funcs["Join"] = strings.Join
	return funcs
}

var prettyTpl = template.Must(template.New("messages").Funcs(prettyFuncs(termenv.Ascii)).Parse(prettyTemplate))

func outputPretty(w io.Writer, p termenv.Profile, messages []*api.Message) error {
	tpl, err := prettyTpl.Clone()
	if err != nil {
		return err
	}
	return tpl.Funcs(prettyFuncs(p)).Execute(w, messages)
}

// withoutData drops the raw content, which is only shown on request.
func withoutData(messages []*api.Message) []*api.Message {
	for _, m := range messages {
		m.Data = nil
	}
	return messages
}
