package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const appVersion = "0.2.0"

// Logo lines — clean block font, no box-drawing corners
var logoLines = []string{
	" ██  ██   ██████   ██████   █████  ██       █████  ██     ██",
	" ███ ██  ██       ██   ██  ██      ██      ██   ██ ██     ██",
	" ██████  ██  ███  ██   ██  ██      ██      ███████ ██  █  ██",
	" ██ ███  ██   ██  ██   ██  ██      ██      ██   ██ ██ ███ ██",
	" ██  ██   ██████   ██████   █████  ██████  ██   ██  ███ ███ ",
}

// Gradient colors top→bottom (cyan → blue → violet), 256-color ANSI
var logoGradient = []string{
	"\033[38;5;51m",
	"\033[38;5;45m",
	"\033[38;5;39m",
	"\033[38;5;33m",
	"\033[38;5;63m",
}

// BannerInfo carries dynamic stats shown in the welcome banner
type BannerInfo struct {
	Model      string
	ToolCount  int
	Workspace  string
	ProjectLng string
}

// DetectProjectLanguage scans dir for known project markers
func DetectProjectLanguage(dir string) string {
	markers := []struct {
		file string
		lang string
	}{
		{"go.mod", "Go"},
		{"Cargo.toml", "Rust"},
		{"package.json", "Node.js"},
		{"pyproject.toml", "Python"},
		{"requirements.txt", "Python"},
		{"pom.xml", "Java"},
		{"build.gradle", "Java"},
		{"Gemfile", "Ruby"},
		{"mix.exs", "Elixir"},
	}
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(dir, m.file)); err == nil {
			return m.lang
		}
	}
	return ""
}

// RenderBanner returns the styled welcome banner with gradient logo
func RenderBanner(info BannerInfo, width int) string {
	// Render gradient logo
	var logo string
	if width >= 62 {
		for i, line := range logoLines {
			c := logoGradient[i%len(logoGradient)]
			logo += bold + c + line + reset + "\n"
		}
	} else {
		// Compact fallback
		logo = cyanBold + " ◇  S E N T I N E L" + reset + "\n"
	}

	ver := dimText + fmt.Sprintf("  v%s", appVersion) + reset

	// Stats
	modelLine := fmt.Sprintf("  %sModel%s %s%s%s",
		dimText, reset, white, info.Model, reset,
	)
	toolsLine := fmt.Sprintf("  %sTools%s %s%d loaded%s",
		dimText, reset, green, info.ToolCount, reset,
	)

	ws := info.Workspace
	if ws == "" {
		ws, _ = os.Getwd()
	}
	projectDesc := ws
	if info.ProjectLng != "" {
		projectDesc += fmt.Sprintf(" (%s)", info.ProjectLng)
	}
	projectLine := fmt.Sprintf("  %sPath %s %s%s%s",
		dimText, reset, white, projectDesc, reset,
	)
	envLine := fmt.Sprintf("  %sEnv  %s %s%s/%s%s",
		dimText, reset, dimText, runtime.GOOS, runtime.GOARCH, reset,
	)

	tips := dim + "  Enter 提问 · /help 命令 · Ctrl+C 中断" + reset

	return fmt.Sprintf("\n%s%s\n\n%s\n%s\n%s\n%s\n\n%s\n",
		logo, ver,
		modelLine, toolsLine, projectLine, envLine,
		tips,
	)
}

// padRight pads s with spaces to at least n runes — used by command list
// alignment, kept here since banner.go owns no-dependency string helpers.
func padRight(s string, n int) string {
	if len([]rune(s)) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len([]rune(s)))
}
