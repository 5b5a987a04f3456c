package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIOCValidate(t *testing.T) {
	tests := []struct {
		name    string
		ioc     IOC
		wantErr bool
	}{
		{"valid ipv4", IOC{CaseID: "c", Type: IOCTypeIP, Value: "10.0.0.5"}, false},
		{"valid ipv6", IOC{CaseID: "c", Type: IOCTypeIP, Value: "fe80::1"}, false},
		{"invalid ip", IOC{CaseID: "c", Type: IOCTypeIP, Value: "999.1.1.1"}, true},
		{"valid domain", IOC{CaseID: "c", Type: IOCTypeDomain, Value: "evil.example.com"}, false},
		{"invalid domain", IOC{CaseID: "c", Type: IOCTypeDomain, Value: "not a domain"}, true},
		{"valid md5", IOC{CaseID: "c", Type: IOCTypeHash, Value: strings.Repeat("a", 32)}, false},
		{"valid sha1", IOC{CaseID: "c", Type: IOCTypeHash, Value: strings.Repeat("b", 40)}, false},
		{"valid sha256", IOC{CaseID: "c", Type: IOCTypeHash, Value: strings.Repeat("c", 64)}, false},
		{"invalid hash length", IOC{CaseID: "c", Type: IOCTypeHash, Value: "abc123"}, true},
		{"filename free-form", IOC{CaseID: "c", Type: IOCTypeFilename, Value: "mimikatz.exe"}, false},
		{"oversized value", IOC{CaseID: "c", Type: IOCTypeFilename, Value: strings.Repeat("x", 3000)}, true},
		{"empty value", IOC{CaseID: "c", Type: IOCTypeIP, Value: "   "}, true},
		{"missing case", IOC{Type: IOCTypeIP, Value: "10.0.0.5"}, true},
		{"unknown type", IOC{CaseID: "c", Type: "satellite", Value: "v"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ioc.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIOCNormalizedValue(t *testing.T) {
	hash := IOC{Type: IOCTypeHash, Value: "ABCDEF00" + strings.Repeat("0", 24)}
	assert.Equal(t, strings.ToLower(hash.Value), hash.NormalizedValue())

	domain := IOC{Type: IOCTypeDomain, Value: "Evil.Example.COM"}
	assert.Equal(t, "evil.example.com", domain.NormalizedValue())

	// Usernames keep their case; Windows SAM names are compared verbatim
	// by the hunt query instead.
	user := IOC{Type: IOCTypeUsername, Value: "Administrator"}
	assert.Equal(t, "Administrator", user.NormalizedValue())
}
