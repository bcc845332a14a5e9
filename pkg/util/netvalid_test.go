package util

import "testing"

func TestIsValidIPv4(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"10.0.0.1", true},
		{"192.168.255.254", true},
		{"256.1.1.1", false},
		{"10.0.0", false},
		{"fe80::1", false},
		{"", false},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		if got := IsValidIPv4(tt.ip); got != tt.want {
			t.Errorf("IsValidIPv4(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestValidateVLANID(t *testing.T) {
	for _, ok := range []int{1, 100, 4094} {
		if err := ValidateVLANID(ok); err != nil {
			t.Errorf("ValidateVLANID(%d): unexpected error %v", ok, err)
		}
	}
	for _, bad := range []int{0, -1, 4095} {
		if err := ValidateVLANID(bad); err == nil {
			t.Errorf("ValidateVLANID(%d): expected error", bad)
		}
	}
}

func TestValidateVNI(t *testing.T) {
	for _, ok := range []int{1, 10042, 16777215} {
		if err := ValidateVNI(ok); err != nil {
			t.Errorf("ValidateVNI(%d): unexpected error %v", ok, err)
		}
	}
	for _, bad := range []int{0, 16777216} {
		if err := ValidateVNI(bad); err == nil {
			t.Errorf("ValidateVNI(%d): expected error", bad)
		}
	}
}

func TestValidateMTU(t *testing.T) {
	for _, ok := range []int{68, 1500, 9216} {
		if err := ValidateMTU(ok); err != nil {
			t.Errorf("ValidateMTU(%d): unexpected error %v", ok, err)
		}
	}
	for _, bad := range []int{0, 67, 9217} {
		if err := ValidateMTU(bad); err == nil {
			t.Errorf("ValidateMTU(%d): expected error", bad)
		}
	}
}

func TestParseInterfaceName(t *testing.T) {
	tests := []struct {
		name    string
		ifType  string
		num     string
		subintf string
	}{
		{"eth1", "eth", "1", ""},
		{"eth1.100", "eth", "1", "100"},
		{"Ethernet4", "Ethernet", "4", ""},
		{"ens1f0", "ens1f0", "", ""}, // mixed alnum prefix is not split
		{"mgmt", "mgmt", "", ""},
	}
	for _, tt := range tests {
		ifType, num, subintf := ParseInterfaceName(tt.name)
		if ifType != tt.ifType || num != tt.num || subintf != tt.subintf {
			t.Errorf("ParseInterfaceName(%q) = (%q, %q, %q), want (%q, %q, %q)",
				tt.name, ifType, num, subintf, tt.ifType, tt.num, tt.subintf)
		}
	}
}
