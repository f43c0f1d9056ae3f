package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/rendis/chatflow/internal/secrets"
)

// placeholderPattern matches {{scope.path}} and {{secret:KEY}} references.
var placeholderPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

const secretPrefix = "secret:"

// Reference is one parsed {{...}} placeholder.
type Reference struct {
	Raw    string // the full placeholder including braces
	Scope  string // state scope, or "secret"
	Path   string // path within the scope, or the secret key
	Secret bool
}

// Interpolator renders {{...}} placeholders in node content against session
// state. Secret references resolve through the vault. Placeholders that cannot
// be resolved are left in the output unchanged.
type Interpolator struct {
	vault  secrets.Vault
	logger *slog.Logger
}

// NewInterpolator creates a new Interpolator with an optional Vault for secret resolution.
func NewInterpolator(vault secrets.Vault, logger *slog.Logger) *Interpolator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpolator{vault: vault, logger: logger}
}

// ParseReference parses the inside of a placeholder ("user.name", "secret:KEY").
func ParseReference(inner string) (Reference, error) {
	inner = strings.TrimSpace(inner)
	raw := "{{" + inner + "}}"
	if key, ok := strings.CutPrefix(inner, secretPrefix); ok {
		key = strings.TrimSpace(key)
		if key == "" {
			return Reference{}, fmt.Errorf("empty secret reference %s", raw)
		}
		return Reference{Raw: raw, Scope: "secret", Path: key, Secret: true}, nil
	}
	scope, path, ok := strings.Cut(inner, ".")
	if !ok || path == "" {
		return Reference{}, fmt.Errorf("invalid variable reference %s: expected scope.path", raw)
	}
	if !IsScope(scope) {
		return Reference{}, fmt.Errorf("invalid scope %q in %s", scope, raw)
	}
	return Reference{Raw: raw, Scope: scope, Path: path}, nil
}

// References lists the well-formed placeholders in text, in order.
func References(text string) []Reference {
	var refs []Reference
	for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		if ref, err := ParseReference(m[1]); err == nil {
			refs = append(refs, ref)
		}
	}
	return refs
}

// HasPlaceholders reports whether s contains any {{...}} reference.
func HasPlaceholders(s string) bool {
	return placeholderPattern.MatchString(s)
}

// RenderString substitutes every placeholder in text with the string form of
// its value. Objects and arrays are JSON-encoded.
func (in *Interpolator) RenderString(ctx context.Context, text string, state map[string]any) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		inner := match[2 : len(match)-2]
		val, ok := in.resolve(ctx, inner, state)
		if !ok {
			return match
		}
		return stringify(val)
	})
}

// RenderValue walks maps and slices and renders every string in them. A
// string that is exactly one placeholder is replaced by the typed value it
// references; mixed text renders to a string.
func (in *Interpolator) RenderValue(ctx context.Context, v any, state map[string]any) any {
	switch val := v.(type) {
	case string:
		trimmed := strings.TrimSpace(val)
		if m := placeholderPattern.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
			if resolved, ok := in.resolve(ctx, m[1], state); ok {
				return resolved
			}
			return val
		}
		return in.RenderString(ctx, val, state)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = in.RenderValue(ctx, item, state)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = in.RenderValue(ctx, item, state)
		}
		return out
	default:
		return v
	}
}

// RenderHeaders renders each header value as a string.
func (in *Interpolator) RenderHeaders(ctx context.Context, headers map[string]any, state map[string]any) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		switch s := v.(type) {
		case string:
			out[k] = in.RenderString(ctx, s, state)
		default:
			out[k] = stringify(v)
		}
	}
	return out
}

func (in *Interpolator) resolve(ctx context.Context, inner string, state map[string]any) (any, bool) {
	ref, err := ParseReference(inner)
	if err != nil {
		in.logger.Debug("unresolvable placeholder", "placeholder", inner, "error", err)
		return nil, false
	}
	if ref.Secret {
		return in.resolveSecret(ctx, ref)
	}
	val, ok := GetPath(state, ref.Scope+"."+ref.Path)
	if !ok || val == nil {
		return nil, false
	}
	return val, true
}

func (in *Interpolator) resolveSecret(ctx context.Context, ref Reference) (any, bool) {
	if in.vault == nil {
		in.logger.Warn("no vault configured for secret reference", "key", ref.Path)
		return nil, false
	}
	val, err := in.vault.Resolve(ctx, ref.Path)
	if err != nil {
		in.logger.Error("failed to resolve secret", "key", ref.Path, "error", err)
		return nil, false
	}
	return string(val), true
}

// stringify converts a resolved value into its inline text form.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case time.Time:
		return v.Format(time.RFC3339)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
