package tool

import (
	"strings"

	"github.com/turnforge/agentcore/internal/domain/valueobject"
)

// Assess maps a tool call onto a RiskLevel, the pure function the executor
// consults before letting a call run unattended. It never touches the
// network or disk — callers decide what to do with the verdict.
func Assess(name string, args map[string]interface{}) valueobject.RiskLevel {
	switch name {
	case "read_file", "list_dir", "search", "glob", "repo_map", "lsp",
		"lsp_hover", "lsp_definitions", "lsp_references", "lsp_diagnostics",
		"think", "update_plan", "save_memory", "stock_analysis":
		return valueobject.RiskSafe

	case "write_file", "edit_file", "apply_patch":
		return valueobject.RiskMedium

	case "delete_file", "remove_dir":
		return valueobject.RiskHigh

	case "web_fetch", "web_search":
		return valueobject.RiskLow

	case "bash", "shell_exec", "python_exec":
		return assessShellCommand(stringArg(args, "command"))

	case "git_commit":
		return valueobject.RiskHigh
	case "git_push":
		return valueobject.RiskHigh
	case "git_status", "git_log", "git_diff":
		return valueobject.RiskSafe
	case "git":
		return assessGitSubcommand(stringArg(args, "command"))

	case "docker", "container_exec":
		return valueobject.RiskHigh

	default:
		return valueobject.RiskMedium
	}
}

func stringArg(args map[string]interface{}, key string) string {
	if args == nil {
		return ""
	}
	if s, ok := args[key].(string); ok {
		return s
	}
	return ""
}

func assessGitSubcommand(command string) valueobject.RiskLevel {
	lower := strings.ToLower(command)
	switch {
	case strings.Contains(lower, "push"):
		return valueobject.RiskHigh
	case strings.Contains(lower, "reset --hard"):
		return valueobject.RiskHigh
	case strings.Contains(lower, "commit"):
		return valueobject.RiskMedium
	case strings.Contains(lower, "status"), strings.Contains(lower, "log"), strings.Contains(lower, "diff"):
		return valueobject.RiskSafe
	default:
		return valueobject.RiskMedium
	}
}

// shellRiskRule is one substring classifier entry; rules are checked in
// order from most to least severe and the first match wins.
type shellRiskRule struct {
	level     valueobject.RiskLevel
	substrs   []string
}

var shellRiskRules = []shellRiskRule{
	{
		level: valueobject.RiskCritical,
		substrs: []string{
			"rm -rf / ", "rm -rf /*", "dd if=", "mkfs",
			":(){ :|:& };:", // fork bomb
		},
	},
	{
		level: valueobject.RiskHigh,
		substrs: []string{
			"rm -rf", "rm -r ", "rmdir", "git push", "git reset --hard",
			"chmod 777", "sudo ", "| sh", "| bash", "curl | sh", "wget | sh",
		},
	},
	{
		level: valueobject.RiskMedium,
		substrs: []string{
			" mv ", " cp ", ">>", " > ", "git commit",
			"npm install", "pip install", "go install", "apt-get install", "apt install",
		},
	},
	{
		level: valueobject.RiskLow,
		substrs: []string{
			"curl ", "wget ", "ssh ", "env", "export ",
		},
	},
	{
		level: valueobject.RiskSafe,
		substrs: []string{
			"ls ", "ls\n", "cat ", "head ", "tail ", "grep ", "find ",
			"pwd", "echo ", "git status", "git log", "git diff",
		},
	},
}

// assessShellCommand classifies a raw shell command string by substring
// match, case-insensitive, most severe rule first.
func assessShellCommand(command string) valueobject.RiskLevel {
	if command == "" {
		return valueobject.RiskMedium
	}
	lower := strings.ToLower(command)
	padded := " " + lower + " "

	for _, rule := range shellRiskRules {
		for _, s := range rule.substrs {
			if strings.Contains(padded, s) {
				return rule.level
			}
		}
	}
	return valueobject.RiskMedium
}
