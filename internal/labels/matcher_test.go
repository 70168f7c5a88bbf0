package labels

import (
	"testing"

	"github.com/prometheus/common/model"
)

func TestMatcherEqual(t *testing.T) {
	m := MustNew(MatchEqual, "service", "api")
	if !m.Matches("api") {
		t.Error("Matches(api): got false, want true")
	}
	if m.Matches("web") {
		t.Error("Matches(web): got true, want false")
	}
}

func TestMatcherRegexAnchored(t *testing.T) {
	m := MustNew(MatchRegexp, "env", "prod")
	if m.Matches("preprod") {
		t.Error("regex must be anchored: preprod matched prod")
	}
	if !m.Matches("prod") {
		t.Error("Matches(prod): got false, want true")
	}
}

func TestMatcherNegatives(t *testing.T) {
	neq := MustNew(MatchNotEqual, "env", "prod")
	if !neq.Matches("staging") || neq.Matches("prod") {
		t.Error("!= matcher misbehaved")
	}
	nre := MustNew(MatchNotRegexp, "env", "prod|staging")
	if !nre.Matches("dev") || nre.Matches("staging") {
		t.Error("!~ matcher misbehaved")
	}
}

func TestNew_BadRegex(t *testing.T) {
	if _, err := New(MatchRegexp, "env", "("); err == nil {
		t.Fatal("New with bad regex: expected error, got nil")
	}
}

func TestMatchersConjunction(t *testing.T) {
	ms := Matchers{
		MustNew(MatchEqual, "service", "api"),
		MustNew(MatchRegexp, "env", "prod|staging"),
	}
	if !ms.Match(model.LabelSet{"service": "api", "env": "prod"}) {
		t.Error("Match: got false, want true")
	}
	if ms.Match(model.LabelSet{"service": "api", "env": "dev"}) {
		t.Error("Match with failing predicate: got true, want false")
	}
}

func TestMatchersAbsentLabelIsEmpty(t *testing.T) {
	ms := Matchers{MustNew(MatchNotEqual, "env", "")}
	if ms.Match(model.LabelSet{"service": "api"}) {
		t.Error(`env!="" must not match a set without env`)
	}
	if !ms.Match(model.LabelSet{"env": "prod"}) {
		t.Error(`env!="" must match a set with env present`)
	}
}

func TestParse(t *testing.T) {
	ms, err := Parse(`service=api,severity=~"page|ticket",env!=dev`)
	if err != nil {
		t.Fatalf("Parse: unexpected error: %v", err)
	}
	if len(ms) != 3 {
		t.Fatalf("Parse: got %d matchers, want 3", len(ms))
	}
	if !ms.Match(model.LabelSet{"service": "api", "severity": "page", "env": "prod"}) {
		t.Error("parsed matchers did not match expected set")
	}
}

func TestParse_QuotedValueWithComma(t *testing.T) {
	ms, err := Parse(`env=~"prod-[0-9]{1,2}",service=api`)
	if err != nil {
		t.Fatalf("Parse: unexpected error: %v", err)
	}
	if len(ms) != 2 {
		t.Fatalf("Parse: got %d matchers, want 2", len(ms))
	}
	if !ms.Match(model.LabelSet{"env": "prod-42", "service": "api"}) {
		t.Error("quantifier regex did not match prod-42")
	}
	if ms.Match(model.LabelSet{"env": "prod-123", "service": "api"}) {
		t.Error("quantifier regex matched prod-123, want at most two digits")
	}

	ms, err = Parse(`service=~"a,b"`)
	if err != nil {
		t.Fatalf("Parse: unexpected error: %v", err)
	}
	if len(ms) != 1 || ms[0].Value != "a,b" {
		t.Fatalf("comma in quoted value: got %v", ms)
	}
	if !ms.Match(model.LabelSet{"service": "a,b"}) {
		t.Error("literal comma value did not match")
	}
}

func TestParse_Empty(t *testing.T) {
	ms, err := Parse("   ")
	if err != nil {
		t.Fatalf("Parse empty: unexpected error: %v", err)
	}
	if ms != nil {
		t.Errorf("Parse empty: got %v, want nil", ms)
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"=x", "service", "1bad=x"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error, got nil", in)
		}
	}
}
