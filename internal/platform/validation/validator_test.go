package validation

import (
	"strings"
	"testing"
)

type sample struct {
	Name  string `json:"name" validate:"required,max=5"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone" validate:"omitempty,e164"`
	Count int    `json:"count" validate:"gte=0"`
}

func TestValidator_Valid(t *testing.T) {
	v := New()
	if err := v.Validate(&sample{Name: "ann", Email: "ann@example.com", Phone: "+14155550100"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidator_Messages(t *testing.T) {
	v := New()
	err := v.Validate(&sample{Name: "toolong", Email: "x", Phone: "12", Count: -1})
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{
		"name must be at most 5 characters",
		"email must be a valid email address",
		"phone must be an E.164 phone number",
		"count must be gte 0",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}
}

func TestValidator_Required(t *testing.T) {
	err := New().Validate(&sample{})
	if err == nil || !strings.Contains(err.Error(), "name is required") {
		t.Errorf("expected required message, got %v", err)
	}
}
