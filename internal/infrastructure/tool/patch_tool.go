package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	domaintool "github.com/turnforge/agentcore/internal/domain/tool"
	"github.com/turnforge/agentcore/internal/infrastructure/sandbox"
	"go.uber.org/zap"
)

// ApplyPatchTool applies unified diff patches to files using a three-tier
// position matcher (exact, offset, fuzzy) instead of shelling out to `patch`,
// so a hunk still applies when the file has drifted slightly since the diff
// was generated.
type ApplyPatchTool struct {
	sandbox *sandbox.ProcessSandbox
	fuzzy   FuzzyConfig
	logger  *zap.Logger
}

func NewApplyPatchTool(sandboxRef *sandbox.ProcessSandbox, logger *zap.Logger) *ApplyPatchTool {
	return &ApplyPatchTool{sandbox: sandboxRef, fuzzy: DefaultFuzzyConfig(), logger: logger}
}

// NewApplyPatchToolWithConfig lets callers override the fuzzy-matching knobs
// (e.g. from config.FuzzyConfig).
func NewApplyPatchToolWithConfig(sandboxRef *sandbox.ProcessSandbox, fuzzy FuzzyConfig, logger *zap.Logger) *ApplyPatchTool {
	return &ApplyPatchTool{sandbox: sandboxRef, fuzzy: fuzzy, logger: logger}
}

func (t *ApplyPatchTool) Name() string         { return "apply_patch" }
func (t *ApplyPatchTool) Kind() domaintool.Kind { return domaintool.KindEdit }

func (t *ApplyPatchTool) Description() string {
	return `Apply a unified diff patch to one or more files. Use standard unified diff format:
--- a/path/to/file
+++ b/path/to/file
@@ -line,count +line,count @@
 context line
-removed line
+added line

Hunks are located by exact match first, then by searching a small offset window,
then by fuzzy line-similarity matching, so the patch still applies if the file
has shifted slightly since the diff was produced.`
}

func (t *ApplyPatchTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"patch": map[string]interface{}{
				"type":        "string",
				"description": "The unified diff patch to apply",
			},
		},
		"required": []string{"patch"},
	}
}

// fileDiff is one file's worth of unified-diff hunks.
type fileDiff struct {
	path  string
	hunks []hunk
}

// hunk is one @@ ... @@ block: the line it claims to start at (0-indexed in
// the original file) and its body lines tagged by the leading diff marker.
type hunk struct {
	oldStart int
	lines    []hunkLine
}

type hunkLine struct {
	kind rune // ' ' context, '-' removed, '+' added
	text string
}

func (t *ApplyPatchTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	patch, _ := args["patch"].(string)
	if patch == "" {
		return &domaintool.Result{Success: false, Error: "patch is required"}, nil
	}

	diffs, err := parseUnifiedDiff(patch)
	if err != nil {
		return &domaintool.Result{Success: false, Error: fmt.Sprintf("parse patch: %v", err)}, nil
	}
	if len(diffs) == 0 {
		return &domaintool.Result{Success: false, Error: "patch contains no recognizable hunks"}, nil
	}

	matcher := NewFuzzyMatcher(t.fuzzy)
	var applied []string
	var reports []string

	for _, fd := range diffs {
		resolvedPath := fd.path
		if t.sandbox != nil && !filepath.IsAbs(resolvedPath) {
			resolvedPath = filepath.Join(t.sandbox.GetWorkDir(), resolvedPath)
		}

		original, err := os.ReadFile(resolvedPath)
		if err != nil {
			return &domaintool.Result{Success: false, Error: fmt.Sprintf("read %s: %v", fd.path, err)}, nil
		}

		lines := strings.Split(string(original), "\n")
		newLines, fileReports, err := applyHunks(matcher, lines, fd.hunks)
		if err != nil {
			return &domaintool.Result{Success: false, Error: fmt.Sprintf("apply patch to %s: %v", fd.path, err)}, nil
		}

		tmp := resolvedPath + ".patch-tmp"
		if err := os.WriteFile(tmp, []byte(strings.Join(newLines, "\n")), 0o644); err != nil {
			return &domaintool.Result{Success: false, Error: fmt.Sprintf("write %s: %v", fd.path, err)}, nil
		}
		if err := os.Rename(tmp, resolvedPath); err != nil {
			os.Remove(tmp)
			return &domaintool.Result{Success: false, Error: fmt.Sprintf("finalize %s: %v", fd.path, err)}, nil
		}

		applied = append(applied, fd.path)
		reports = append(reports, fileReports...)

		t.logger.Info("Applied patch",
			zap.String("file", fd.path),
			zap.Int("hunks", len(fd.hunks)),
		)
	}

	return &domaintool.Result{
		Output:  strings.Join(append([]string{fmt.Sprintf("Applied patch to %d file(s)", len(applied))}, reports...), "\n"),
		Success: true,
		Metadata: map[string]interface{}{
			"files": applied,
		},
	}, nil
}

// applyHunks applies each hunk in order against lines, re-locating its true
// position with the fuzzy matcher when the recorded oldStart no longer
// matches exactly. Offsets accumulate: a hunk that grows or shrinks the file
// shifts the suggested start for every hunk after it.
func applyHunks(matcher *FuzzyMatcher, lines []string, hunks []hunk) ([]string, []string, error) {
	var reports []string
	shift := 0

	for i, h := range hunks {
		matchLines := make([]string, 0, len(h.lines))
		for _, hl := range h.lines {
			if hl.kind == ' ' || hl.kind == '-' {
				matchLines = append(matchLines, hl.text)
			}
		}

		suggested := h.oldStart + shift
		pos, quality, ok := matcher.FindPosition(lines, matchLines, suggested)
		if !ok {
			return nil, nil, fmt.Errorf("hunk %d: no position found matching expected context", i+1)
		}

		switch quality.Kind {
		case QualityOffset:
			reports = append(reports, fmt.Sprintf("hunk %d: applied with offset %d (score %.3f)", i+1, quality.Offset, quality.Score()))
		case QualityFuzzy:
			reports = append(reports, fmt.Sprintf("hunk %d: applied via fuzzy match (similarity %.3f)", i+1, quality.Similarity))
		}

		replacement := make([]string, 0, len(h.lines))
		for _, hl := range h.lines {
			if hl.kind == ' ' || hl.kind == '+' {
				replacement = append(replacement, hl.text)
			}
		}

		before := append([]string{}, lines[:pos]...)
		after := append([]string{}, lines[pos+len(matchLines):]...)
		lines = append(before, append(replacement, after...)...)

		shift += len(replacement) - len(matchLines)
	}

	return lines, reports, nil
}

// parseUnifiedDiff parses one or more `--- a/x` / `+++ b/x` / `@@ ... @@`
// blocks out of a unified diff. It tolerates missing a/ b/ prefixes.
func parseUnifiedDiff(patch string) ([]fileDiff, error) {
	lines := strings.Split(patch, "\n")
	var diffs []fileDiff
	var cur *fileDiff
	var curHunk *hunk

	flush := func() {
		if curHunk != nil && cur != nil {
			cur.hunks = append(cur.hunks, *curHunk)
			curHunk = nil
		}
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "--- "):
			flush()
			if cur != nil {
				diffs = append(diffs, *cur)
			}
			cur = &fileDiff{}
		case strings.HasPrefix(line, "+++ "):
			if cur == nil {
				cur = &fileDiff{}
			}
			cur.path = stripDiffPrefix(strings.TrimSpace(strings.TrimPrefix(line, "+++ ")))
		case strings.HasPrefix(line, "@@ "):
			flush()
			oldStart, err := parseHunkHeader(line)
			if err != nil {
				return nil, err
			}
			curHunk = &hunk{oldStart: oldStart}
		case curHunk != nil && len(line) > 0:
			switch line[0] {
			case ' ', '-', '+':
				curHunk.lines = append(curHunk.lines, hunkLine{kind: rune(line[0]), text: line[1:]})
			}
		case curHunk != nil && line == "":
			curHunk.lines = append(curHunk.lines, hunkLine{kind: ' ', text: ""})
		}
	}
	flush()
	if cur != nil {
		diffs = append(diffs, *cur)
	}

	return diffs, nil
}

// parseHunkHeader extracts the 0-indexed old-file start line from
// "@@ -l,c +l,c @@ ...". Missing counts default to 1 per the unified-diff spec.
func parseHunkHeader(line string) (int, error) {
	parts := strings.Fields(line)
	for _, p := range parts {
		if strings.HasPrefix(p, "-") {
			spec := strings.TrimPrefix(p, "-")
			numPart := strings.SplitN(spec, ",", 2)[0]
			n, err := strconv.Atoi(numPart)
			if err != nil {
				return 0, fmt.Errorf("invalid hunk header %q: %w", line, err)
			}
			if n > 0 {
				n--
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("invalid hunk header: %q", line)
}

func stripDiffPrefix(path string) string {
	path = strings.SplitN(path, "\t", 2)[0]
	if strings.HasPrefix(path, "a/") || strings.HasPrefix(path, "b/") {
		return path[2:]
	}
	return path
}
