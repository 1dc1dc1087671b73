package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBypassList(t *testing.T) {
	b := newBypassList([]string{"example.com", "*.corp.test", ".internal.", "10.1.2.3", "[2001:db8::1]", " "})
	assert.Equal(t, 5, b.Len())

	tests := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"EXAMPLE.com.", true},
		{"www.example.com", true},
		{"badexample.com", false},
		{"example.com.evil.test", false},
		{"corp.test", true},
		{"a.b.corp.test", true},
		{"db.internal", true},
		{"10.1.2.3", true},
		{"::ffff:10.1.2.3", true},
		{"10.1.2.4", false},
		{"2001:db8::1", true},
		{"[2001:db8::1]", true},
		{"other.test", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Match(tt.host), tt.host)
	}
}

func TestEmptyBypassList(t *testing.T) {
	var nilList *bypassList
	assert.False(t, nilList.Match("example.com"))
	assert.False(t, newBypassList(nil).Match("example.com"))
	assert.Zero(t, newBypassList(nil).Len())
}
