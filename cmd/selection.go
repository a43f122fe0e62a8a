package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Mafzii/mcp-filter/proxy"
)

// maxSelectionAttempts bounds how often an invalid answer is asked again.
const maxSelectionAttempts = 3

var ErrTooManyAttempts = errors.New("too many invalid selections")

// ParseSelection turns an answer into an allow-list. It accepts "all"
// (every tool, including ones added later), "none" (an empty, disabling
// list) or comma-separated 1-based numbers into tools.
func ParseSelection(input string, tools []string) ([]string, error) {
	answer := strings.ToLower(strings.TrimSpace(input))
	switch answer {
	case "all", proxy.AllowAll:
		return []string{proxy.AllowAll}, nil
	case "none":
		return []string{}, nil
	case "":
		return nil, errors.New("enter numbers, 'all' or 'none'")
	}

	var (
		selected []string
		seen     = make(map[int]bool)
	)
	for _, part := range strings.Split(answer, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", part)
		}
		if n < 1 || n > len(tools) {
			return nil, fmt.Errorf("%d is out of range 1-%d", n, len(tools))
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		selected = append(selected, tools[n-1])
	}
	if len(selected) == 0 {
		return nil, errors.New("no tools selected")
	}
	return selected, nil
}

// PromptSelection asks which of tools to allow for backend until the answer
// parses, giving up after maxSelectionAttempts.
func PromptSelection(in *bufio.Reader, out io.Writer, backend string, tools []string) ([]string, error) {
	for attempt := 1; attempt <= maxSelectionAttempts; attempt++ {
		fmt.Fprintf(out, "Select tools from %s (comma-separated numbers, 'all' or 'none'):\n> ", backend)

		line, err := in.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return nil, fmt.Errorf("failed to read selection: %w", err)
		}

		selected, perr := ParseSelection(line, tools)
		if perr == nil {
			return selected, nil
		}
		fmt.Fprintf(out, "Invalid selection: %v\n", perr)
		if err == io.EOF {
			return nil, fmt.Errorf("failed to read selection: %w", err)
		}
	}
	return nil, fmt.Errorf("%w for %s", ErrTooManyAttempts, backend)
}
