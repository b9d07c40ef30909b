// Package ui renders CLI feedback on stderr: job progress as a bar when the
// backend reports "i/n" steps and as a spinner otherwise.
package ui

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr

	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// Init applies the global color switch.
func Init(noColor bool) {
	if noColor {
		color.NoColor = true
	}
}

func Success(format string, args ...any) {
	fmt.Fprintf(stdout, "%s %s\n", green("✓"), fmt.Sprintf(format, args...))
}

func Error(format string, args ...any) {
	fmt.Fprintf(stderr, "%s %s\n", red("✗"), fmt.Sprintf(format, args...))
}

func Warning(format string, args ...any) {
	fmt.Fprintf(stderr, "%s %s\n", yellow("⚠"), fmt.Sprintf(format, args...))
}

func Info(format string, args ...any) {
	fmt.Fprintf(stderr, "%s %s\n", cyan("ℹ"), fmt.Sprintf(format, args...))
}

// Field prints an aligned key/value line.
func Field(key string, value any) {
	fmt.Fprintf(stdout, "  %-16s %v\n", bold(key+":"), value)
}

var stepPattern = regexp.MustCompile(`(\d+)\s*/\s*(\d+)`)

// step extracts "i/n" from a progress message.
func step(msg string) (int64, int64, bool) {
	m := stepPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0, 0, false
	}
	cur, err1 := strconv.ParseInt(m[1], 10, 64)
	total, err2 := strconv.ParseInt(m[2], 10, 64)
	if err1 != nil || err2 != nil || total <= 0 || cur > total {
		return 0, 0, false
	}
	return cur, total, true
}

// Progress follows a job's progress messages. It starts as a spinner and
// switches to a bar once a message carries a step count.
type Progress struct {
	spin *spinner.Spinner
	bar  *progressbar.ProgressBar
}

func NewProgress(message string) *Progress {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Writer = stderr
	s.Start()
	return &Progress{spin: s}
}

func (p *Progress) Update(msg string) {
	cur, total, ok := step(msg)
	if !ok {
		if p.bar != nil {
			p.bar.Describe(msg)
			return
		}
		p.spin.Suffix = " " + msg
		return
	}

	if p.bar == nil {
		p.spin.Stop()
		p.bar = newBar(total)
	}
	if p.bar.GetMax64() != total {
		p.bar.ChangeMax64(total)
	}
	p.bar.Describe(msg)
	_ = p.bar.Set64(cur)
}

func (p *Progress) Stop() {
	if p.bar != nil {
		_ = p.bar.Finish()
		return
	}
	p.spin.Stop()
}

func newBar(total int64) *progressbar.ProgressBar {
	return progressbar.NewOptions64(
		total,
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetWriter(stderr),
		progressbar.OptionEnableColorCodes(!color.NoColor),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(stderr, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
}
