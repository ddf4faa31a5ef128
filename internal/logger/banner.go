package logger

import (
	"io"
	"strings"

	"github.com/fatih/color"
)

const whales = "🐋 🐋 🐋 🐋 🐋 🐋 🐋 🐋 🐋 🐋 🐋 🐋"

// Banner prints a framed, highlighted message for phase changes an operator
// should not miss in the middle of node output.
func Banner(w io.Writer, lines ...string) {
	hi := color.New(color.FgHiCyan, color.Bold)
	_, _ = hi.Fprintln(w, whales)
	for _, l := range lines {
		_, _ = hi.Fprintln(w, "🤖🤖🤖 "+strings.ToUpper(l)+" 🤖🤖🤖")
	}
	_, _ = hi.Fprintln(w, whales)
}
