package tui

// Key bindings.
const (
	KeyQuit  = "q"
	KeyCtrlC = "ctrl+c"
	KeyClear = "c"
)

// HelpView renders the bottom help bar.
func HelpView() string {
	return StyleHelp.Render(" q: quit  c: clear log")
}
