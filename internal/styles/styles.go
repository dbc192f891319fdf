// Package styles provides shared lipgloss styles for CLI output.
package styles

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/hay-kot/pocket/internal/core/classify"
)

// Tokyo Night color palette.
var (
	ColorGreen  = lipgloss.Color("#9ece6a")
	ColorYellow = lipgloss.Color("#e0af68")
	ColorBlue   = lipgloss.Color("#7aa2f7")
	ColorPurple = lipgloss.Color("#bb9af7")
	ColorRed    = lipgloss.Color("#f7768e")
	ColorGray   = lipgloss.Color("#565f89")
	ColorWhite  = lipgloss.Color("#c0caf5")
)

// Banner is printed when an interactive shell starts.
const Banner = `
 ┏━┓┏━┓┏━╸╻┏ ┏━╸╺┳╸
 ┣━┛┃ ┃┃  ┣┻┓┣╸  ┃
 ╹  ┗━┛┗━╸╹ ╹┗━╸ ╹ `

// BannerStyle styles the ASCII art banner.
var BannerStyle = lipgloss.NewStyle().
	Foreground(ColorBlue).
	Bold(true)

// PromptStyle styles the main input prompt.
var PromptStyle = lipgloss.NewStyle().
	Foreground(ColorPurple).
	Bold(true)

// CommandStyle styles the command text in a block header.
var CommandStyle = lipgloss.NewStyle().
	Foreground(ColorWhite).
	Bold(true)

// ModeStyle styles the interaction mode tag in a block header.
var ModeStyle = lipgloss.NewStyle().
	Foreground(ColorGray).
	Italic(true)

// DividerStyle styles horizontal dividers.
var DividerStyle = lipgloss.NewStyle().
	Foreground(ColorGray)

// NoticeStyle styles session notices such as state changes.
var NoticeStyle = lipgloss.NewStyle().
	Foreground(ColorYellow)

// ErrorStyle styles connection errors.
var ErrorStyle = lipgloss.NewStyle().
	Foreground(ColorRed)

// modeColors tints the header icon by interaction mode.
var modeColors = map[classify.Mode]lipgloss.Color{
	classify.ModeOneShot:    ColorGreen,
	classify.ModeContinuous: ColorYellow,
	classify.ModeInline:     ColorBlue,
	classify.ModeFullscreen: ColorPurple,
}

// BlockHeader renders the first line of a command block.
func BlockHeader(command string, result classify.Result) string {
	color, ok := modeColors[result.Mode]
	if !ok {
		color = ColorGray
	}
	icon := lipgloss.NewStyle().Foreground(color).Render(classify.Icon(result.Kind))
	header := icon + " " + CommandStyle.Render(command)
	if result.Mode != classify.ModeOneShot {
		header += " " + ModeStyle.Render(string(result.Mode))
	}
	return header
}
