// Package cli provides shell completion and terminal output for ledgerctl.
package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ProgramName is the installed binary name.
const ProgramName = "ledgerctl"

// Command describes a ledgerctl subcommand for help and completion.
type Command struct {
	Name    string
	Usage   string
	Summary string
	// Words are completion candidates for the first argument.
	Words []string
}

// Commands lists every ledgerctl subcommand in help order.
var Commands = []Command{
	{Name: "login", Usage: "login <username>", Summary: "Sign in and store the session"},
	{Name: "register", Usage: "register <username> <wallet-address>", Summary: "Create an account and sign in"},
	{Name: "logout", Usage: "logout", Summary: "End the current session"},
	{Name: "whoami", Usage: "whoami", Summary: "Show the signed-in user"},
	{Name: "dashboard", Usage: "dashboard", Summary: "Show chain stats, latest blocks and recent transactions"},
	{Name: "block", Usage: "block <index>", Summary: "Show one block and its transactions"},
	{Name: "search", Usage: "search <mode> <value>", Summary: "Search blocks by index or hash, or transactions by address",
		Words: []string{"index", "hash", "address", "block-index", "block-hash", "wallet-address"}},
	{Name: "history", Usage: "history [--filter all|sender|receiver] [value]", Summary: "List transactions, optionally filtered"},
	{Name: "balance", Usage: "balance", Summary: "Show the wallet balance"},
	{Name: "send", Usage: "send <receiver> <amount>", Summary: "Send a transfer debited immediately"},
	{Name: "queue", Usage: "queue <receiver> <amount>", Summary: "Queue a transfer for the next mined block"},
	{Name: "mine", Usage: "mine", Summary: "Mine pending transactions into a block"},
	{Name: "watch", Usage: "watch [--interval 10s] [--metrics-addr :9102]", Summary: "Refresh the chain on a schedule"},
	{Name: "completion", Usage: "completion bash|zsh|fish [--install]", Summary: "Generate shell completion script",
		Words: []string{"bash", "zsh", "fish"}},
}

// GlobalFlags are accepted before any subcommand.
var GlobalFlags = []string{"--config", "--env", "--log-level", "--log-format", "--help"}

// Usage writes the command overview to w.
func Usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: %s [global flags] <command> [args]\n\nCommands:\n", ProgramName)
	for _, c := range Commands {
		fmt.Fprintf(w, "  %-50s %s\n", c.Usage, c.Summary)
	}
	fmt.Fprintf(w, "\nGlobal flags: %s\n", strings.Join(GlobalFlags, " "))
}

func commandNames() string {
	names := make([]string, 0, len(Commands))
	for _, c := range Commands {
		names = append(names, c.Name)
	}
	return strings.Join(names, " ")
}

// BashCompletion returns the bash completion script.
func BashCompletion() string {
	var b strings.Builder
	fmt.Fprintf(&b, `#!/bin/bash
# Bash completion for %[1]s

_ledgerctl_completion() {
    local cur prev
    COMPREPLY=()
    cur="${COMP_WORDS[COMP_CWORD]}"
    prev="${COMP_WORDS[COMP_CWORD-1]}"

    local commands="%[2]s"
    local global_flags="%[3]s"

    case "${prev}" in
`, ProgramName, commandNames(), strings.Join(GlobalFlags, " "))

	for _, c := range Commands {
		if len(c.Words) == 0 {
			continue
		}
		fmt.Fprintf(&b, "        %s)\n            COMPREPLY=( $(compgen -W \"%s\" -- ${cur}) )\n            return 0\n            ;;\n",
			c.Name, strings.Join(c.Words, " "))
	}

	fmt.Fprintf(&b, `        history)
            COMPREPLY=( $(compgen -W "--filter" -- ${cur}) )
            return 0
            ;;
        --filter)
            COMPREPLY=( $(compgen -W "all sender receiver" -- ${cur}) )
            return 0
            ;;
        --config|--env)
            COMPREPLY=( $(compgen -f -- ${cur}) )
            return 0
            ;;
        --log-level)
            COMPREPLY=( $(compgen -W "debug info warn error" -- ${cur}) )
            return 0
            ;;
        --log-format)
            COMPREPLY=( $(compgen -W "json text" -- ${cur}) )
            return 0
            ;;
    esac

    COMPREPLY=( $(compgen -W "${commands} ${global_flags}" -- ${cur}) )
    return 0
}

complete -F _ledgerctl_completion %s
`, ProgramName)
	return b.String()
}

// ZshCompletion returns the zsh completion script.
func ZshCompletion() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#compdef %s\n\n_ledgerctl() {\n    local -a commands\n    commands=(\n", ProgramName)
	for _, c := range Commands {
		fmt.Fprintf(&b, "        '%s:%s'\n", c.Name, c.Summary)
	}
	b.WriteString(`    )

    _arguments -C \
        '--config[Configuration file path]:file:_files' \
        '--env[Environment file path]:file:_files' \
        '--log-level[Log level]:level:(debug info warn error)' \
        '--log-format[Log format]:format:(json text)' \
        '1: :->command' \
        '*:: :->args'

    case $state in
        command)
            _describe 'command' commands
            ;;
        args)
            case $words[1] in
`)
	for _, c := range Commands {
		if len(c.Words) == 0 {
			continue
		}
		fmt.Fprintf(&b, "                %s)\n                    _values '%s' %s\n                    ;;\n",
			c.Name, c.Name, strings.Join(c.Words, " "))
	}
	b.WriteString(`                history)
                    _arguments '--filter[Filter field]:field:(all sender receiver)'
                    ;;
            esac
            ;;
    esac
}

_ledgerctl "$@"
`)
	return b.String()
}

// FishCompletion returns the fish completion script.
func FishCompletion() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Fish completion for %s\n\n", ProgramName)
	for _, c := range Commands {
		fmt.Fprintf(&b, "complete -c %s -f -n \"__fish_use_subcommand\" -a \"%s\" -d \"%s\"\n", ProgramName, c.Name, c.Summary)
	}
	b.WriteString("\n")
	for _, c := range Commands {
		for _, w := range c.Words {
			fmt.Fprintf(&b, "complete -c %s -f -n \"__fish_seen_subcommand_from %s\" -a \"%s\"\n", ProgramName, c.Name, w)
		}
	}
	fmt.Fprintf(&b, `complete -c %[1]s -n "__fish_seen_subcommand_from history" -l filter -x -a "all sender receiver" -d "Filter field"

complete -c %[1]s -l config -r -d "Configuration file path"
complete -c %[1]s -l env -r -d "Environment file path"
complete -c %[1]s -l log-level -x -a "debug info warn error" -d "Log level"
complete -c %[1]s -l log-format -x -a "json text" -d "Log format"
`, ProgramName)
	return b.String()
}

func script(shell string) (string, error) {
	switch shell {
	case "bash":
		return BashCompletion(), nil
	case "zsh":
		return ZshCompletion(), nil
	case "fish":
		return FishCompletion(), nil
	default:
		return "", fmt.Errorf("unsupported shell: %s (supported: bash, zsh, fish)", shell)
	}
}

// GenerateCompletion writes the completion script for shell to w.
func GenerateCompletion(w io.Writer, shell string) error {
	s, err := script(shell)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, s)
	return err
}

// InstallPath returns where InstallCompletion puts the script for shell.
func InstallPath(home, shell string) (string, error) {
	switch shell {
	case "bash":
		return filepath.Join(home, ".bash_completion.d", ProgramName), nil
	case "zsh":
		return filepath.Join(home, ".zsh", "completion", "_"+ProgramName), nil
	case "fish":
		return filepath.Join(home, ".config", "fish", "completions", ProgramName+".fish"), nil
	default:
		return "", fmt.Errorf("unsupported shell: %s", shell)
	}
}

// InstallCompletion writes the completion script under home and returns its
// path.
func InstallCompletion(home, shell string) (string, error) {
	path, err := InstallPath(home, shell)
	if err != nil {
		return "", err
	}
	s, err := script(shell)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create completion directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(s), 0o644); err != nil {
		return "", fmt.Errorf("failed to write completion script: %w", err)
	}
	return path, nil
}

// EnableHint returns the shell config line that loads an installed script.
func EnableHint(shell string) string {
	switch shell {
	case "bash":
		return "source ~/.bash_completion.d/" + ProgramName
	case "zsh":
		return "fpath=(~/.zsh/completion $fpath)\nautoload -Uz compinit && compinit"
	default:
		return "# Fish loads completions from ~/.config/fish/completions/ automatically"
	}
}
