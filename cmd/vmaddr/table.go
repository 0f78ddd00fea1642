package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/vmaddr/internal/domain"
)

const (
	columnGap      = 2
	minAliasWidth  = 8
	truncationTail = "…"
)

var header = []string{"ALIAS", "TYPE", "ADDRESS"}

// rows lists every element of def in document order.
func rows(def *domain.Def) [][]string {
	var out [][]string
	for _, e := range def.Entries() {
		var typ string
		switch {
		case e.Controller != nil:
			typ = "controller/" + e.Controller.Type.String()
			if m := e.Controller.ModelString(); m != "" {
				typ += " (" + m + ")"
			}
		case e.Hub != nil:
			typ = "hub/usb"
		case e.Device != nil:
			typ = e.Device.Kind.String()
		}
		out = append(out, []string{e.Describe(), typ, e.Info().AddressString()})
	}
	return out
}

// writeTable prints rows as tab separated values, or as aligned columns
// when tty is set. A positive width shrinks the alias column so lines fit.
func writeTable(w io.Writer, rows [][]string, tty bool, width int) error {
	if !tty {
		for _, r := range rows {
			if _, err := fmt.Fprintln(w, strings.Join(r, "\t")); err != nil {
				return err
			}
		}
		return nil
	}

	widths := make([]int, len(header))
	for _, r := range append([][]string{header}, rows...) {
		for i, cell := range r {
			widths[i] = max(widths[i], ansi.StringWidth(cell))
		}
	}
	if width > 0 {
		total := columnGap * (len(widths) - 1)
		for _, cw := range widths {
			total += cw
		}
		if over := total - width; over > 0 {
			widths[0] = max(minAliasWidth, widths[0]-over)
		}
	}

	for _, r := range append([][]string{header}, rows...) {
		var sb strings.Builder
		for i, cell := range r {
			if ansi.StringWidth(cell) > widths[i] {
				cell = ansi.Truncate(cell, widths[i], truncationTail)
			}
			sb.WriteString(cell)
			if i < len(r)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-ansi.StringWidth(cell)+columnGap))
			}
		}
		if _, err := fmt.Fprintln(w, sb.String()); err != nil {
			return err
		}
	}
	return nil
}
