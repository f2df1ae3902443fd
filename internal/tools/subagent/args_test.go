package subagent

import (
	"strings"
	"testing"
)

func TestRequireString(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]any
		want    string
		wantErr bool
	}{
		{"valid", map[string]any{"k": "v"}, "v", false},
		{"missing", map[string]any{}, "", true},
		{"blank", map[string]any{"k": "   "}, "", true},
		{"wrong type", map[string]any{"k": 1.0}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := requireString(tt.args, "k")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOptionalStrings(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    string
		wantErr string
	}{
		{"absent", nil, "", ""},
		{"array", []any{"a", "", " b "}, "a|b", ""},
		{"comma string", "a, b,,c", "a|b|c", ""},
		{"non-string item", []any{"a", 2.0}, "", "only strings"},
		{"wrong type", true, "", "array of strings"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := map[string]any{}
			if tt.value != nil {
				args["k"] = tt.value
			}
			got, err := optionalStrings(args, "k")
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if strings.Join(got, "|") != tt.want {
				t.Errorf("got %v, want %s", got, tt.want)
			}
		})
	}
}

func TestOptionalBool(t *testing.T) {
	if !optionalBool(map[string]any{"k": true}, "k", false) {
		t.Error("true not read")
	}
	if !optionalBool(map[string]any{}, "k", true) {
		t.Error("fallback not used")
	}
	if optionalBool(map[string]any{"k": "yes"}, "k", false) {
		t.Error("string should not count as bool")
	}
}
