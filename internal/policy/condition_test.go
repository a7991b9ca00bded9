package policy

import "testing"

func TestEvaluateConditionOperators(t *testing.T) {
	data := map[string]any{
		"role":    "admin",
		"amount":  float64(42),
		"tags":    "alpha,beta",
		"enabled": true,
	}

	cases := []struct {
		name string
		expr string
		want bool
	}{
		{"eq string", `role == 'admin'`, true},
		{"eq string quoted double", `role == "admin"`, true},
		{"eq mismatch", `role == 'guest'`, false},
		{"neq", `role != 'guest'`, true},
		{"gt numeric", `amount > 10`, true},
		{"lt numeric", `amount < 10`, false},
		{"includes substring", `tags includes beta`, true},
		{"includes missing", `tags includes gamma`, false},
		{"eq bool", `enabled == true`, true},
		{"missing key", `missing == 1`, false},
		{"malformed expr", `role`, false},
		{"unknown operator", `role ~~ admin`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := evaluateCondition(tc.expr, data)
			if got != tc.want {
				t.Errorf("evaluateCondition(%q) = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}
}

func TestCoerceValue(t *testing.T) {
	if v := coerceValue("'hello'"); v != "hello" {
		t.Errorf("expected quote-stripped string, got %v", v)
	}
	if v := coerceValue(`"hello"`); v != "hello" {
		t.Errorf("expected quote-stripped string, got %v", v)
	}
	if v := coerceValue("true"); v != true {
		t.Errorf("expected bool true, got %v", v)
	}
	if v := coerceValue("3.14"); v != 3.14 {
		t.Errorf("expected float 3.14, got %v", v)
	}
	if v := coerceValue("plain"); v != "plain" {
		t.Errorf("expected plain string, got %v", v)
	}
}
