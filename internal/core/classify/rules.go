package classify

import "regexp"

// Shared fragments for the built-in table.
var (
	reREPLNonInteractive = regexp.MustCompile(`(^|\s)(-c|-e|-m|--eval|--version|-V|--help|--command)(\s|$|=)`)
	reFollowFlag         = regexp.MustCompile(`(^|\s)(-[a-zA-Z]*[fF][a-zA-Z]*|--follow(=\S*)?)(\s|$)`)
	rePingCount          = regexp.MustCompile(`(^|\s)-c\s*\d*`)
	reGitPager           = regexp.MustCompile(`^(log|diff|show|blame)(\s|$)`)
	reNoPager            = regexp.MustCompile(`--no-pager`)
)

// builtin is evaluated after any custom rules. Order matters: fullscreen
// entries shadow inline ones, which shadow continuous ones.
var builtin = []Rule{
	// interactive-fullscreen
	{Mode: ModeFullscreen, Kind: KindEditor, Names: []string{"vi", "vim", "nvim", "emacs", "nano", "pico", "micro", "hx", "helix"}},
	{Mode: ModeFullscreen, Kind: KindMonitor, Names: []string{"top", "htop", "btop", "atop", "glances", "nvtop"}},
	{Mode: ModeFullscreen, Kind: KindPager, Names: []string{"less", "more", "most", "man"}},
	{Mode: ModeFullscreen, Kind: KindMultiplexer, Names: []string{"tmux", "screen", "zellij"}},
	{Mode: ModeFullscreen, Kind: KindFileManager, Names: []string{"mc", "ranger", "nnn", "lf", "yazi"}},
	{Mode: ModeFullscreen, Kind: KindPager, Names: []string{"git"}, Args: reGitPager, Exclude: reNoPager},

	// interactive-inline
	{Mode: ModeInline, Kind: KindREPL, Names: []string{
		"python", "python3", "ipython", "node", "deno", "irb", "pry",
		"psql", "mysql", "sqlite3", "mongosh", "redis-cli", "julia", "R",
		"scala", "clojure", "ghci", "erl", "iex", "lua", "php",
	}, Exclude: reREPLNonInteractive},
	{Mode: ModeInline, Kind: KindAgent, Names: []string{"claude", "aider", "codex", "gemini"}},
	{Mode: ModeInline, Kind: KindDevServer, Names: []string{"npm"}, Args: regexp.MustCompile(`^run\s+(dev|start|serve|watch)(\s|$)`)},
	{Mode: ModeInline, Kind: KindDevServer, Names: []string{"yarn", "pnpm", "bun"}, Args: regexp.MustCompile(`^(run\s+)?(dev|start|serve)(\s|$)`)},
	{Mode: ModeInline, Kind: KindDevServer, Names: []string{"rails"}, Args: regexp.MustCompile(`^(server|s)(\s|$)`)},
	{Mode: ModeInline, Kind: KindDevServer, Glob: "**/rails", Args: regexp.MustCompile(`^(server|s)(\s|$)`)},
	{Mode: ModeInline, Kind: KindDevServer, Pattern: regexp.MustCompile(`(^|\s)runserver(\s|$)`)},
	{Mode: ModeInline, Kind: KindDevServer, Names: []string{"flask"}, Args: regexp.MustCompile(`^run(\s|$)`)},
	{Mode: ModeInline, Kind: KindDevServer, Names: []string{"next"}, Args: regexp.MustCompile(`^dev(\s|$)`)},
	{Mode: ModeInline, Kind: KindDevServer, Names: []string{"vite", "nodemon", "air", "webpack-dev-server"}},
	{Mode: ModeInline, Kind: KindDevServer, Names: []string{"cargo"}, Args: regexp.MustCompile(`^watch(\s|$)`)},
	{Mode: ModeInline, Kind: KindDevServer, Pattern: regexp.MustCompile(`(^|\s)--watch(\s|$|=)`)},

	// continuous-output
	{Mode: ModeContinuous, Kind: KindWatch, Names: []string{"watch"}},
	{Mode: ModeContinuous, Kind: KindFollow, Names: []string{"tail", "journalctl"}, Args: reFollowFlag},
	{Mode: ModeContinuous, Kind: KindFollow, Names: []string{"docker", "kubectl", "podman"}, Args: regexp.MustCompile(`^logs\b.*` + reFollowFlag.String())},
	{Mode: ModeContinuous, Kind: KindMonitor, Names: []string{"ping", "ping6"}, Exclude: rePingCount},
	{Mode: ModeContinuous, Kind: KindMonitor, Names: []string{"vmstat", "iostat", "dstat"}},
}
