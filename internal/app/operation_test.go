package app

import (
	"errors"
	"testing"
)

func TestNewOperation(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		args      []string
		want      string
	}{
		{name: "with parameters", operation: "backup create", args: []string{"docs", "/home/user/docs"}, want: "docs /home/user/docs"},
		{name: "empty parameters", operation: "token cleanup", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation(tt.operation, tt.args...)

			if op.Operation != tt.operation {
				t.Errorf("Operation = %q, want %q", op.Operation, tt.operation)
			}
			if op.Parameters != tt.want {
				t.Errorf("Parameters = %q, want %q", op.Parameters, tt.want)
			}
			if op.Status != "success" {
				t.Errorf("Status = %q, want %q", op.Status, "success")
			}
			if op.Persisted() {
				t.Error("Persisted() = true for a new operation")
			}
		})
	}
}

func TestOperation_Record(t *testing.T) {
	type step struct {
		partial bool
		err     error
	}
	tests := []struct {
		name  string
		steps []step
		want  string
	}{
		{name: "no steps", want: "success"},
		{name: "partial", steps: []step{{partial: true}}, want: "partial"},
		{name: "error wins over partial", steps: []step{{err: errors.New("boom")}, {partial: true}}, want: "error"},
		{name: "partial does not hide a later error", steps: []step{{partial: true}, {err: errors.New("boom")}}, want: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation("backup create")
			for _, s := range tt.steps {
				op.Record(s.partial, s.err)
			}
			if op.Status != tt.want {
				t.Errorf("Status = %q, want %q", op.Status, tt.want)
			}
		})
	}
}
