package main

import (
	"fmt"
	"strings"

	"pngoptimiser-go/internal/compressor"
	"pngoptimiser-go/internal/probe"
	"pngoptimiser-go/internal/statistics"

	"github.com/charmbracelet/lipgloss"
)

var (
	boxStyle     = lipgloss.NewStyle().Padding(0, 1).Border(lipgloss.RoundedBorder())
	headerStyle  = lipgloss.NewStyle().Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	sizeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("45")) // cyan
	savingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	growingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
)

func row(label, value string) string {
	return labelStyle.Render(fmt.Sprintf("%-10s", label)) + " " + value
}

// renderResult draws the before/after box for a single compression.
func renderResult(res compressor.CompressionResult) string {
	var lines []string
	switch {
	case res.IsSuccess():
		lines = append(lines, okStyle.Render("✓ "+res.Strategy.Label()))
	case res.IsRejected():
		lines = append(lines, warnStyle.Render("! "+res.UserMessage()))
	default:
		lines = append(lines, errStyle.Render("✗ "+res.UserMessage()))
	}

	lines = append(lines, row("input", res.InputPath))
	if res.IsSuccess() {
		lines = append(lines,
			row("output", res.OutputPath),
			row("before", sizeStyle.Render(statistics.FormatBytes(res.OriginalSize))),
			row("after", sizeStyle.Render(statistics.FormatBytes(res.CompressedSize))),
			row("saved", savingsStyle(res.PercentageSaved).Render(fmt.Sprintf("%.1f%%", res.PercentageSaved))),
		)
		if res.Strategy.UsesQuality() {
			lines = append(lines, row("quality", fmt.Sprintf("%d", res.Quality)))
		}
		lines = append(lines, row("time", res.Duration().Round(1e6).String()))
	} else if res.Error != nil {
		lines = append(lines, row("error", res.Error.Error()))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func savingsStyle(pct float64) lipgloss.Style {
	if pct < 0 {
		return growingStyle
	}
	return savingStyle
}

func renderBatch(results []compressor.CompressionResult, stats *statistics.Statistics) string {
	var lines []string
	lines = append(lines, headerStyle.Render(fmt.Sprintf("%d files", len(results))))
	for _, res := range results {
		var mark string
		switch {
		case res.IsSuccess():
			mark = okStyle.Render("✓") + " " + savingsStyle(res.PercentageSaved).Render(fmt.Sprintf("%6.1f%%", res.PercentageSaved))
		case res.IsRejected():
			mark = warnStyle.Render("!") + "        "
		default:
			mark = errStyle.Render("✗") + "        "
		}
		lines = append(lines, mark+" "+res.InputPath)
	}
	lines = append(lines, "",
		row("succeeded", fmt.Sprintf("%d", stats.Succeeded)),
		row("rejected", fmt.Sprintf("%d", stats.Rejected)),
		row("failed", fmt.Sprintf("%d", stats.Failed)),
		row("saved", savingsStyle(stats.SavedPercentage()).Render(fmt.Sprintf("%.1f%%", stats.SavedPercentage()))),
	)
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func renderInfo(info *probe.ImageInfo) string {
	lines := []string{
		headerStyle.Render(info.Path),
		row("format", info.Format.String()),
		row("size", sizeStyle.Render(statistics.FormatBytes(info.Size))),
		row("pixels", fmt.Sprintf("%d x %d", info.Width, info.Height)),
	}
	if x := info.EXIF; x != nil {
		if x.Make != "" || x.Model != "" {
			lines = append(lines, row("camera", strings.TrimSpace(x.Make+" "+x.Model)))
		}
		if x.Software != "" {
			lines = append(lines, row("software", x.Software))
		}
		if x.DateTimeOriginal != nil {
			lines = append(lines, row("taken", x.DateTimeOriginal.Format("2006-01-02 15:04:05")))
		}
		lines = append(lines, row("orient", fmt.Sprintf("%d", x.Orientation)))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func renderStrategies(defaultID string) string {
	lines := []string{headerStyle.Render("Strategies")}
	for _, s := range compressor.AllStrategies() {
		line := fmt.Sprintf("%-9s %s", s.String(), labelStyle.Render(s.Label()))
		if !s.UsesQuality() {
			line += labelStyle.Render(" (ignores quality)")
		}
		if s.String() == defaultID {
			line = okStyle.Render("*") + " " + line
		} else {
			line = "  " + line
		}
		lines = append(lines, line)
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}
