/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package common

import (
	"fmt"
	"text/template"

	"github.com/muesli/termenv"
)

// TemplateFuncs returns the text template helpers for pretty output with
// the colors supported by p.
func TemplateFuncs(p termenv.Profile) template.FuncMap {
	okColor := p.Color("112")
	nokColor := p.Color("196")
	pendingColor := p.Color("214")

	// Subset of the helpers in termenv, so we have better control and can turn
	// of all formatting if the terminal supports ASCII only.
	return template.FuncMap{
		"Bold": func(value interface{}) string {
			str := fmt.Sprintf("%v", value)
			if p == termenv.Ascii {
				return str
			}
			return termenv.String(str).Bold().String()
		},
		"WithStatusColor": func(value interface{}) string {
			str := fmt.Sprintf("%v", value)
			s := termenv.String(str)
			switch str {
			case "relayed", "delivered_direct":
				s = s.Foreground(okColor)
			case "failed":
				s = s.Foreground(nokColor)
			default:
				s = s.Foreground(pendingColor)
			}
			return s.String()
		},
	}
}
