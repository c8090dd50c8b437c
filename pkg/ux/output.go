// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Palette - deep ocean teals.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
)

// Printer writes styled output to one writer. Colors are dropped when the
// writer is not a color-capable terminal.
type Printer struct {
	out io.Writer

	title   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	header  lipgloss.Style
	cell    lipgloss.Style
	border  lipgloss.Style
}

// NewPrinter builds a Printer for w.
func NewPrinter(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		out:     w,
		title:   r.NewStyle().Bold(true).Foreground(ColorTealBright),
		muted:   r.NewStyle().Foreground(ColorSlate),
		success: r.NewStyle().Foreground(ColorSuccess),
		warning: r.NewStyle().Foreground(ColorWarning),
		err:     r.NewStyle().Foreground(ColorError),
		header:  r.NewStyle().Bold(true).Foreground(ColorTealPrimary).Padding(0, 1),
		cell:    r.NewStyle().Padding(0, 1),
		border:  r.NewStyle().Foreground(ColorTealDeep),
	}
}

// Fragment writes text unstyled and without a newline, for streamed output.
func (p *Printer) Fragment(text string) {
	fmt.Fprint(p.out, text)
}

// Title prints a bold heading.
func (p *Printer) Title(text string) {
	fmt.Fprintln(p.out, p.title.Render(text))
}

func (p *Printer) Success(text string) {
	fmt.Fprintf(p.out, "%s %s\n", p.success.Render(string(IconSuccess)), text)
}

func (p *Printer) Warning(text string) {
	fmt.Fprintf(p.out, "%s %s\n", p.warning.Render(string(IconWarning)), text)
}

func (p *Printer) Error(text string) {
	fmt.Fprintf(p.out, "%s %s\n", p.err.Render(string(IconError)), p.err.Render(text))
}

func (p *Printer) Muted(text string) {
	fmt.Fprintln(p.out, p.muted.Render(text))
}

// Table prints rows under headers with a rounded border.
func (p *Printer) Table(headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(p.border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.header
			}
			return p.cell
		})
	fmt.Fprintln(p.out, t.Render())
}
