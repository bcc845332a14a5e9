package ovsnet

import "testing"

func TestValidatePortName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"vh1234567", false},
		{"eth1", false},
		{"a", false},
		{"123456789012345", false}, // exactly 15 bytes
		{"1234567890123456", true}, // 16 bytes, over kernel limit
		{"", true},
		{"vh1;rm -rf /", true},
		{"vh1 2", true},
		{"vh1$(whoami)", true},
		{"vh1`id`", true},
		{"iface.100", false},
		{"iface-100", false},
	}
	for _, tt := range tests {
		err := ValidatePortName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidatePortName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestTransactionThenComposesWithSeparators(t *testing.T) {
	tx := NewTransaction().
		Then("set", "port", "vh1", "tag=100").
		Then("set", "port", "vh2", "tag=100")

	want := []string{"set", "port", "vh1", "tag=100", "--", "set", "port", "vh2", "tag=100"}
	if len(tx.args) != len(want) {
		t.Fatalf("Transaction args = %v, want %v", tx.args, want)
	}
	for i := range want {
		if tx.args[i] != want[i] {
			t.Fatalf("Transaction args = %v, want %v", tx.args, want)
		}
	}
}

func TestNewTransactionEmptyRunIsNoop(t *testing.T) {
	tx := NewTransaction()
	out, err := tx.Run(nil) //nolint:staticcheck // nil context acceptable: Run short-circuits before using it
	if err != nil {
		t.Fatalf("expected no error for empty transaction, got %v", err)
	}
	if out != "" {
		t.Fatalf("expected empty output for empty transaction, got %q", out)
	}
}
