// Package output renders the CLI's tables. ASCII layout with ANSI colors
// when stdout is a terminal.
package output

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/blackwell-systems/pkgd/internal/image"
	"github.com/blackwell-systems/pkgd/internal/protocol"
)

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
)

// IsColorEnabled returns true if ANSI color codes should be emitted.
// It checks that os.Stdout is a TTY and that the NO_COLOR env var is not set.
func IsColorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}

func colorize(color, text string) string {
	if IsColorEnabled() {
		return color + text + colorReset
	}
	return text
}

// stateColor maps session states to a traffic-light scheme: terminal
// success green, in-flight yellow, failure red.
func stateColor(state string) string {
	switch state {
	case "SUCCESS", "ACTIVATED":
		return colorGreen
	case "ABORTED", "REVERTED":
		return colorRed
	default:
		return colorYellow
	}
}

// RenderSessionTable renders sessions, oldest first.
func RenderSessionTable(sessions []protocol.SessionInfo) string {
	if len(sessions) == 0 {
		return "No sessions.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-8s %-11s %-10s %s\n", "Session", "State", "Children", "Images"))
	sb.WriteString(strings.Repeat("─", 60))
	sb.WriteString("\n")

	for _, sess := range sessions {
		children := "-"
		if len(sess.ChildIDs) > 0 {
			parts := make([]string, 0, len(sess.ChildIDs))
			for _, id := range sess.ChildIDs {
				parts = append(parts, strconv.FormatInt(id, 10))
			}
			children = strings.Join(parts, ",")
		}
		images := "-"
		if len(sess.Images) > 0 {
			images = strings.Join(sess.Images, ", ")
		}
		id := strconv.FormatInt(sess.ID, 10)
		if sess.IsRollback {
			id += "*"
		}
		sb.WriteString(fmt.Sprintf("%-8s %-11s %-10s %s\n",
			id,
			colorize(stateColor(sess.State), fmt.Sprintf("%-11s", sess.State)),
			children,
			images))
	}
	return sb.String()
}

// RenderPackageTable renders active package instances sorted by name.
func RenderPackageTable(ids []string) string {
	if len(ids) == 0 {
		return "No active packages.\n"
	}

	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-40s %s\n", "Package", "Version"))
	sb.WriteString(strings.Repeat("─", 50))
	sb.WriteString("\n")

	for _, id := range sorted {
		name, version, ok := image.ParseID(id)
		if !ok {
			sb.WriteString(fmt.Sprintf("%-40s %s\n", id, "-"))
			continue
		}
		sb.WriteString(fmt.Sprintf("%-40s %d\n", truncate(name, 40), version))
	}
	return sb.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
