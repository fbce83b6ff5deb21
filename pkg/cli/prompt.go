// Package cli provides the interactive terminal prompts behind parleyd's
// setup wizard.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter reads answers from In and writes questions to Out. Retry loops
// stay safe against exhausted input because every prompt's default is a
// valid answer.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

// DefaultPrompter returns a Prompter on stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) scan() *bufio.Scanner {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	return p.scanner
}

// readLine returns the next trimmed input line, or "" once input runs out.
func (p *Prompter) readLine() string {
	if !p.scan().Scan() {
		return ""
	}
	return strings.TrimSpace(p.scan().Text())
}

// Ask poses a question and reads one line. Enter (or exhausted input) keeps
// the default.
func (p *Prompter) Ask(question, defaultVal string) string {
	label := question
	if defaultVal != "" {
		label = fmt.Sprintf("%s [%s]", question, defaultVal)
	}
	_, _ = fmt.Fprintf(p.Out, "%s: ", label)
	if line := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// AskPassword reads a secret without echo when In is a real terminal, and as
// a plain line otherwise (tests, piped input).
func (p *Prompter) AskPassword(question string) string {
	_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	f, ok := p.In.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return p.readLine()
	}
	b, err := term.ReadPassword(int(f.Fd()))
	_, _ = fmt.Fprintln(p.Out)
	if err != nil {
		return p.readLine()
	}
	return strings.TrimSpace(string(b))
}

// askNumber retries until the answer parses as an int and passes ok.
func (p *Prompter) askNumber(question string, defaultVal int, ok func(int) bool, hint string) int {
	for {
		n, err := strconv.Atoi(p.Ask(question, strconv.Itoa(defaultVal)))
		if err == nil && ok(n) {
			return n
		}
		_, _ = fmt.Fprintln(p.Out, hint)
	}
}

// AskInt asks for a positive integer.
func (p *Prompter) AskInt(question string, defaultVal int) int {
	return p.askNumber(question, defaultVal,
		func(n int) bool { return n > 0 },
		"  Please enter a positive number.")
}

// AskPort asks for a TCP port. Zero is accepted and means "pick a free port".
func (p *Prompter) AskPort(question string, defaultVal int) int {
	return p.askNumber(question, defaultVal,
		func(n int) bool { return n >= 0 && n <= 65535 },
		"  Please enter a port between 0 and 65535.")
}

// printOptions renders a numbered option list, marking defaults with "> ".
func (p *Prompter) printOptions(question string, options []string, marked map[int]bool) {
	_, _ = fmt.Fprintf(p.Out, "%s\n", question)
	for i, opt := range options {
		marker := "  "
		if marked[i] {
			marker = "> "
		}
		_, _ = fmt.Fprintf(p.Out, "%s%d) %s\n", marker, i+1, opt)
	}
}

// Choose presents a numbered list and returns the chosen option's text.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	p.printOptions(question, options, map[int]bool{defaultIdx: true})
	for {
		n, err := strconv.Atoi(p.Ask("Choice", strconv.Itoa(defaultIdx+1)))
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		_, _ = fmt.Fprintf(p.Out, "  Please enter a number between 1 and %d.\n", len(options))
	}
}

// MultiSelect presents a numbered list and reads a comma or space separated
// set of choices. Empty input keeps the pre-marked defaults. The returned
// indices are unique and ascending.
func (p *Prompter) MultiSelect(question string, options []string, defaults []int) []int {
	marked := make(map[int]bool, len(defaults))
	for _, i := range defaults {
		marked[i] = true
	}
	p.printOptions(question, options, marked)
	for {
		picked, err := parseIndices(p.Ask("Choices", formatIndices(defaults)), len(options))
		if err == nil {
			return picked
		}
		_, _ = fmt.Fprintf(p.Out, "  Please enter numbers between 1 and %d, separated by commas.\n", len(options))
	}
}

// Confirm asks a yes/no question; any answer starting with y (either case)
// is a yes, and Enter keeps the default.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(question+" ["+hint+"]", "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}

// formatIndices renders zero-based indices as the 1-based list a user would
// type, e.g. [0 2] -> "1,3".
func formatIndices(idx []int) string {
	parts := make([]string, len(idx))
	for i, n := range idx {
		parts[i] = strconv.Itoa(n + 1)
	}
	return strings.Join(parts, ",")
}

// parseIndices parses "1,3" or "1 3" into zero-based indices, rejecting
// anything outside 1..max and requiring at least one selection.
func parseIndices(s string, max int) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	seen := make(map[int]bool, len(fields))
	var out []int
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 1 || n > max {
			return nil, fmt.Errorf("invalid choice %q", f)
		}
		if !seen[n-1] {
			seen[n-1] = true
			out = append(out, n-1)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty selection")
	}
	sort.Ints(out)
	return out, nil
}
