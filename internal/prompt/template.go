package prompt

import (
	"fmt"
	"sort"
	"strings"
)

// Stage identifies which step of the research workflow a template serves.
type Stage string

const (
	StagePlanSystem         Stage = "plan_system"
	StagePlanUser           Stage = "plan_user"
	StageResearchUserSystem Stage = "research_role_playing_user_system"
	StageResearchUserUser   Stage = "research_role_playing_user_user"
	StageResearchAsstSystem Stage = "research_role_playing_assistant_system"
	StageReportPlanSystem   Stage = "report_plan_system"
	StageReportPlanUser     Stage = "report_plan_user"
	StageReportWriteSystem  Stage = "report_write_system"
	StageReportWriteUser    Stage = "report_write_user"
	StagePlanStartTips      Stage = "plan_start_tips"
	StageResearchStartTips  Stage = "research_start_tips"
	StageReportPlanTips     Stage = "report_plan_tips"
	StageReportWriteTips    Stage = "report_write_tips"
)

// MissingVariableError reports placeholders a strict render could not fill.
type MissingVariableError struct {
	Stage Stage
	Names []string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("prompt: stage %s missing variables: %s", e.Stage, strings.Join(e.Names, ", "))
}

// Library holds the stage templates plus global variables injected into
// every render. Strict by default: unresolved placeholders are an error.
type Library struct {
	templates map[Stage]string
	globals   map[string]string
}

// NewLibrary returns a library preloaded with the default stage templates.
func NewLibrary() *Library {
	l := &Library{
		templates: make(map[Stage]string, len(defaultTemplates)),
		globals:   make(map[string]string),
	}
	for stage, text := range defaultTemplates {
		l.templates[stage] = text
	}
	return l
}

// SetGlobal registers a variable available to every template.
func (l *Library) SetGlobal(name, value string) { l.globals[name] = value }

// Add registers a template for a stage. Existing stages are only replaced
// when overwrite is set.
func (l *Library) Add(stage Stage, text string, overwrite bool) error {
	if _, ok := l.templates[stage]; ok && !overwrite {
		return fmt.Errorf("prompt: template already registered for stage %s", stage)
	}
	l.templates[stage] = text
	return nil
}

// Render fills the stage template from vars merged over the globals. Any
// placeholder left unresolved fails with a MissingVariableError.
func (l *Library) Render(stage Stage, vars map[string]string) (string, error) {
	return l.renderStage(stage, vars, false)
}

// RenderPartial is Render with missing placeholders replaced by the empty
// string instead of failing.
func (l *Library) RenderPartial(stage Stage, vars map[string]string) (string, error) {
	return l.renderStage(stage, vars, true)
}

func (l *Library) renderStage(stage Stage, vars map[string]string, partial bool) (string, error) {
	text, ok := l.templates[stage]
	if !ok {
		return "", fmt.Errorf("prompt: no template registered for stage %s", stage)
	}
	merged := make(map[string]string, len(l.globals)+len(vars))
	for k, v := range l.globals {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}
	out, missing := interpolate(text, merged, partial)
	if len(missing) > 0 {
		return "", &MissingVariableError{Stage: stage, Names: missing}
	}
	return out, nil
}

// Placeholders lists the variable names a stage template expects.
func (l *Library) Placeholders(stage Stage) []string {
	text, ok := l.templates[stage]
	if !ok {
		return nil
	}
	seen := map[string]bool{}
	var names []string
	scan(text, func(name string) string {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
		return ""
	})
	return names
}

// interpolate substitutes {name} placeholders. Doubled braces escape a
// literal brace. Returns the names it could not resolve, sorted, unless
// partial is set in which case they render empty.
func interpolate(text string, vars map[string]string, partial bool) (string, []string) {
	missingSet := map[string]bool{}
	out := scan(text, func(name string) string {
		if v, ok := vars[name]; ok {
			return v
		}
		if !partial {
			missingSet[name] = true
		}
		return ""
	})
	if len(missingSet) == 0 {
		return out, nil
	}
	missing := make([]string, 0, len(missingSet))
	for name := range missingSet {
		missing = append(missing, name)
	}
	sort.Strings(missing)
	return out, missing
}

func scan(text string, resolve func(name string) string) string {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		c := text[i]
		switch {
		case c == '{' && i+1 < len(text) && text[i+1] == '{':
			b.WriteByte('{')
			i += 2
		case c == '}' && i+1 < len(text) && text[i+1] == '}':
			b.WriteByte('}')
			i += 2
		case c == '{':
			end := strings.IndexByte(text[i:], '}')
			if end < 0 {
				// Unterminated placeholder, keep as literal text.
				b.WriteString(text[i:])
				return b.String()
			}
			name := text[i+1 : i+end]
			b.WriteString(resolve(name))
			i += end + 1
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}
