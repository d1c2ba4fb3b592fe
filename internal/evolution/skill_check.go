package evolution

import (
	"fmt"
	"strings"

	"evoengine/internal/logging"
	"evoengine/internal/types"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// =============================================================================
// SKILL BODY VALIDATION
// =============================================================================
// Skill bodies are interpreted, never compiled: a proposed skill runs
// through a sandboxed interpreter before any artifact is written, so a
// body that does not parse or does not export the expected entry point
// is rejected without touching disk.

// SkillChecker validates proposed skill bodies in a sandboxed
// interpreter restricted to a stdlib whitelist.
type SkillChecker struct {
	allowed map[string]bool
}

func NewSkillChecker() *SkillChecker {
	return &SkillChecker{
		allowed: map[string]bool{
			"strings":         true,
			"strconv":         true,
			"fmt":             true,
			"math":            true,
			"regexp":          true,
			"encoding/json":   true,
			"encoding/base64": true,
			"time":            true,
			"sort":            true,
			"bytes":           true,
			"path":            true,
			"path/filepath":   true,
			"errors":          true,
			"unicode":         true,
			// os, os/exec, net, net/http, syscall, unsafe stay blocked:
			// a skill body must not reach outside its inputs.
		},
	}
}

// Check evaluates the body and verifies it exports
// Run(input string) (string, error). The body is never executed.
func (sk *SkillChecker) Check(name, body string) error {
	timer := logging.StartTimer(logging.CategoryApplicator, "skill-check")
	defer timer.Stop()

	if err := sk.validateImports(body); err != nil {
		return types.Wrap(types.KindConfigInvalid, "skill.check", err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return types.Wrap(types.KindUnavailable, "skill.check", err)
	}

	if _, err := i.Eval(wrapSkillBody(body)); err != nil {
		return types.Errorf(types.KindConfigInvalid, "skill.check", "skill %s does not evaluate: %v", name, err)
	}

	run, err := i.Eval("main.Run")
	if err != nil {
		return types.Errorf(types.KindConfigInvalid, "skill.check", "skill %s does not define Run: %v", name, err)
	}
	if _, ok := run.Interface().(func(string) (string, error)); !ok {
		return types.Errorf(types.KindConfigInvalid, "skill.check",
			"skill %s: Run must be func(string) (string, error)", name)
	}

	logging.ApplicatorDebug("Skill %s validated", name)
	return nil
}

// validateImports scans the body's import statements against the
// whitelist.
func (sk *SkillChecker) validateImports(body string) error {
	var forbidden []string
	inBlock := false
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			if pkg := importPath(trimmed); pkg != "" && !sk.allowed[pkg] {
				forbidden = append(forbidden, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			if pkg := importPath(strings.TrimPrefix(trimmed, "import ")); pkg != "" && !sk.allowed[pkg] {
				forbidden = append(forbidden, pkg)
			}
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %v", forbidden)
	}
	return nil
}

// importPath strips an optional alias and quotes from an import line.
func importPath(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "//") {
		return ""
	}
	// Aliased import: `alias "path"`.
	if i := strings.IndexByte(line, '"'); i > 0 {
		line = line[i:]
	}
	return strings.Trim(line, `"`)
}

func wrapSkillBody(body string) string {
	if strings.Contains(body, "package main") {
		return body
	}
	return "package main\n\n" + body
}
